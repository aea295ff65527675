package store

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so every boot can
// run them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		profile_url TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		group_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		last_profile_crawl TIMESTAMPTZ,
		last_thread_crawl TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS profile_fields (
		character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
		field_key TEXT NOT NULL,
		field_value TEXT NOT NULL,
		PRIMARY KEY (character_id, field_key)
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		forum_id TEXT NOT NULL DEFAULT '',
		forum_name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'ongoing',
		last_poster_id TEXT NOT NULL DEFAULT '',
		last_poster_name TEXT NOT NULL DEFAULT '',
		last_poster_avatar TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS character_threads (
		character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
		thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		category TEXT NOT NULL DEFAULT 'ongoing',
		is_last_poster BOOLEAN NOT NULL DEFAULT FALSE,
		post_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (character_id, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS quotes (
		id BIGSERIAL PRIMARY KEY,
		character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
		quote_text TEXT NOT NULL,
		source_thread_id TEXT NOT NULL DEFAULT '',
		source_thread_title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (character_id, quote_text)
	)`,
	`CREATE TABLE IF NOT EXISTS quote_crawl_log (
		character_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		crawled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (character_id, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id BIGSERIAL PRIMARY KEY,
		character_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		posted_at TIMESTAMPTZ,
		source TEXT NOT NULL DEFAULT 'html'
	)`,
	`CREATE INDEX IF NOT EXISTS posts_character_posted_idx
		ON posts (character_id, posted_at)`,
	`CREATE TABLE IF NOT EXISTS crawl_state (
		state_key TEXT PRIMARY KEY,
		state_value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
