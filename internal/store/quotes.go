package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avermeer/threadwatch/internal/forum"
)

// InsertQuotes stores extracted quotes, skipping any the character already
// has. Uniqueness is on the normalized quote text, so reworded duplicates
// from re-crawls collapse silently. Returns the number actually inserted.
func (s *Store) InsertQuotes(ctx context.Context, characterID, threadID, threadTitle string, quotes []string) (int, error) {
	inserted := 0
	query := `
		INSERT INTO quotes (character_id, quote_text, source_thread_id, source_thread_title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (character_id, quote_text) DO NOTHING;
	`
	for _, q := range quotes {
		tag, err := s.pool.Exec(ctx, query, characterID, q, threadID, threadTitle)
		if err != nil {
			return inserted, fmt.Errorf("insert quote for %s: %w", characterID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// MarkQuoteCrawl records that a (character, thread) pair has been mined for
// quotes so later batches skip it.
func (s *Store) MarkQuoteCrawl(ctx context.Context, characterID, threadID string, at time.Time) error {
	query := `
		INSERT INTO quote_crawl_log (character_id, thread_id, crawled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (character_id, thread_id) DO UPDATE SET crawled_at = EXCLUDED.crawled_at;
	`
	if _, err := s.pool.Exec(ctx, query, characterID, threadID, at); err != nil {
		return fmt.Errorf("mark quote crawl %s/%s: %w", characterID, threadID, err)
	}
	return nil
}

// ThreadsForQuoteMining lists the character's threads the quote log does not
// cover yet, oldest activity first so early threads cannot starve behind a
// busy present.
func (s *Store) ThreadsForQuoteMining(ctx context.Context, characterID string) ([]forum.Thread, error) {
	query := `
		SELECT t.id, t.title, t.url, t.forum_id, t.forum_name, t.category,
		       t.last_poster_id, t.last_poster_name, t.last_poster_avatar
		FROM threads t
		JOIN character_threads ct ON ct.thread_id = t.id
		WHERE ct.character_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM quote_crawl_log q
			WHERE q.character_id = ct.character_id AND q.thread_id = ct.thread_id
		  )
		ORDER BY t.updated_at ASC
	`
	rows, err := s.pool.Query(ctx, query, characterID)
	if err != nil {
		return nil, fmt.Errorf("threads for quote mining %s: %w", characterID, err)
	}
	defer rows.Close()

	var out []forum.Thread
	for rows.Next() {
		var th forum.Thread
		var cat string
		if err := rows.Scan(&th.ID, &th.Title, &th.URL, &th.ForumID, &th.ForumName,
			&cat, &th.LastPosterID, &th.LastPosterName, &th.LastPosterAvatar); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		th.Category = forum.Category(cat)
		out = append(out, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threads for quote mining %s: %w", characterID, err)
	}
	return out, nil
}
