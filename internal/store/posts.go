package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avermeer/threadwatch/internal/forum"
)

// Post row provenance. HTML-sourced rows carry estimated dates; dump rows
// are authoritative and replace them wholesale on sync.
const (
	postSourceHTML = "html"
	postSourceDump = "dump"
)

// ReplaceThreadPosts swaps the HTML-sourced rows of one thread for the
// records of a fresh crawl, in one transaction. Recrawling the same thread
// twice therefore never doubles its rows. Dump-sourced rows are left alone;
// their authority outranks page estimates.
func (s *Store) ReplaceThreadPosts(ctx context.Context, threadID string, posts []forum.Post) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin thread posts tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM posts WHERE thread_id = $1 AND source = $2`, threadID, postSourceHTML); err != nil {
		return fmt.Errorf("clear thread %s posts: %w", threadID, err)
	}
	query := `INSERT INTO posts (character_id, thread_id, posted_at, source) VALUES ($1, $2, $3, $4)`
	for _, p := range posts {
		if _, err := tx.Exec(ctx, query, p.CharacterID, p.ThreadID, p.PostedAt, postSourceHTML); err != nil {
			return fmt.Errorf("insert post %s/%s: %w", p.CharacterID, p.ThreadID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit thread posts tx: %w", err)
	}
	return nil
}

// ReplacePostsFromDump swaps the entire posts table for the authoritative
// rows of an admin export, in one transaction.
func (s *Store) ReplacePostsFromDump(ctx context.Context, posts []forum.Post) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dump tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM posts`); err != nil {
		return fmt.Errorf("clear posts: %w", err)
	}
	query := `INSERT INTO posts (character_id, thread_id, posted_at, source) VALUES ($1, $2, $3, $4)`
	for _, p := range posts {
		if _, err := tx.Exec(ctx, query, p.CharacterID, p.ThreadID, p.PostedAt, postSourceDump); err != nil {
			return fmt.Errorf("insert dump post %s/%s: %w", p.CharacterID, p.ThreadID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dump tx: %w", err)
	}
	return nil
}

// PurgeUndatedPosts deletes HTML-sourced rows whose date could not be
// estimated. Run at startup so stale guesses do not skew activity windows.
func (s *Store) PurgeUndatedPosts(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM posts WHERE posted_at IS NULL AND source = $1`, postSourceHTML)
	if err != nil {
		return 0, fmt.Errorf("purge undated posts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostCountSince counts a character's posts newer than the cutoff.
func (s *Store) PostCountSince(ctx context.Context, characterID string, cutoff time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM posts WHERE character_id = $1 AND posted_at >= $2`,
		characterID, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("post count %s: %w", characterID, err)
	}
	return n, nil
}
