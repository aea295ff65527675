package store

import (
	"context"
	"fmt"

	"github.com/avermeer/threadwatch/internal/forum"
)

// UpsertThread inserts or refreshes a thread row. Category and last-poster
// data are overwritten on every crawl; the site is the source of truth.
func (s *Store) UpsertThread(ctx context.Context, th forum.Thread) error {
	query := `
		INSERT INTO threads (id, title, url, forum_id, forum_name, category,
			last_poster_id, last_poster_name, last_poster_avatar)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    url = EXCLUDED.url,
		    forum_id = EXCLUDED.forum_id,
		    forum_name = EXCLUDED.forum_name,
		    category = EXCLUDED.category,
		    last_poster_id = EXCLUDED.last_poster_id,
		    last_poster_name = EXCLUDED.last_poster_name,
		    last_poster_avatar = EXCLUDED.last_poster_avatar,
		    updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query, th.ID, th.Title, th.URL, th.ForumID,
		th.ForumName, string(th.Category), th.LastPosterID, th.LastPosterName,
		th.LastPosterAvatar); err != nil {
		return fmt.Errorf("upsert thread %s: %w", th.ID, err)
	}
	return nil
}

// LinkCharacterThread records that a character participates in a thread.
// Re-linking updates category and last-poster status in place. A zero post
// count means the crawl could not observe counts, so the last known count is
// kept rather than wiped.
func (s *Store) LinkCharacterThread(ctx context.Context, link forum.ThreadLink) error {
	query := `
		INSERT INTO character_threads (character_id, thread_id, category, is_last_poster, post_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (character_id, thread_id) DO UPDATE
		SET category = EXCLUDED.category,
		    is_last_poster = EXCLUDED.is_last_poster,
		    post_count = CASE WHEN EXCLUDED.post_count > 0
		                      THEN EXCLUDED.post_count
		                      ELSE character_threads.post_count END,
		    updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query, link.CharacterID, link.ThreadID,
		string(link.Category), link.IsLastPoster, link.PostCount); err != nil {
		return fmt.Errorf("link character %s to thread %s: %w", link.CharacterID, link.ThreadID, err)
	}
	return nil
}

// ThreadsForCharacter lists the threads a character is linked to, optionally
// filtered by category.
func (s *Store) ThreadsForCharacter(ctx context.Context, characterID string, category forum.Category) ([]forum.Thread, error) {
	query := `
		SELECT t.id, t.title, t.url, t.forum_id, t.forum_name, t.category,
		       t.last_poster_id, t.last_poster_name, t.last_poster_avatar
		FROM threads t
		JOIN character_threads ct ON ct.thread_id = t.id
		WHERE ct.character_id = $1 AND ($2 = '' OR ct.category = $2)
		ORDER BY t.updated_at DESC
	`
	rows, err := s.pool.Query(ctx, query, characterID, string(category))
	if err != nil {
		return nil, fmt.Errorf("threads for character %s: %w", characterID, err)
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
		return nil, fmt.Errorf("threads for character %s: %w", characterID, err)
	}
	return out, nil
}

// CategoryCounts returns the number of linked threads per category for a
// character.
func (s *Store) CategoryCounts(ctx context.Context, characterID string) (map[forum.Category]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT category, count(*) FROM character_threads WHERE character_id = $1 GROUP BY category`,
		characterID)
	if err != nil {
		return nil, fmt.Errorf("category counts %s: %w", characterID, err)
	}
	defer rows.Close()

	counts := make(map[forum.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		counts[forum.Category(cat)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("category counts %s: %w", characterID, err)
	}
	return counts, nil
}
