package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/avermeer/threadwatch/internal/forum"
)

// RegisterCharacter adds a character to the watch list. Registering an
// existing id refreshes the name and is not an error; a blank name never
// clobbers one a profile crawl already filled in.
func (s *Store) RegisterCharacter(ctx context.Context, id, name, profileURL string) error {
	query := `
		INSERT INTO characters (id, name, profile_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = COALESCE(NULLIF(EXCLUDED.name, ''), characters.name),
		    profile_url = EXCLUDED.profile_url,
		    updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query, id, name, profileURL); err != nil {
		return fmt.Errorf("register character %s: %w", id, err)
	}
	return nil
}

// SaveCharacterProfile upserts the character row and wholesale-replaces its
// field map in one transaction, then stamps last_profile_crawl. A failed
// profile crawl therefore never leaves a half-replaced field set behind.
func (s *Store) SaveCharacterProfile(ctx context.Context, ch forum.Character, crawledAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin profile tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `
		INSERT INTO characters (id, name, profile_url, group_id, group_name, avatar_url, last_profile_crawl)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    profile_url = EXCLUDED.profile_url,
		    group_id = EXCLUDED.group_id,
		    group_name = EXCLUDED.group_name,
		    avatar_url = EXCLUDED.avatar_url,
		    last_profile_crawl = EXCLUDED.last_profile_crawl,
		    updated_at = now();
	`
	if _, err := tx.Exec(ctx, upsert,
		ch.ID, ch.Name, ch.ProfileURL, ch.GroupID, ch.GroupName, ch.AvatarURL, crawledAt); err != nil {
		return fmt.Errorf("upsert character %s: %w", ch.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM profile_fields WHERE character_id = $1`, ch.ID); err != nil {
		return fmt.Errorf("clear profile fields %s: %w", ch.ID, err)
	}
	for key, value := range ch.Fields {
		if _, err := tx.Exec(ctx,
			`INSERT INTO profile_fields (character_id, field_key, field_value) VALUES ($1, $2, $3)`,
			ch.ID, key, value); err != nil {
			return fmt.Errorf("insert profile field %s/%s: %w", ch.ID, key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit profile tx: %w", err)
	}
	return nil
}

// TouchThreadCrawl stamps a successful thread crawl.
func (s *Store) TouchThreadCrawl(ctx context.Context, characterID string, at time.Time) error {
	query := `UPDATE characters SET last_thread_crawl = $1, updated_at = now() WHERE id = $2`
	if _, err := s.pool.Exec(ctx, query, at, characterID); err != nil {
		return fmt.Errorf("touch thread crawl %s: %w", characterID, err)
	}
	return nil
}

// GetCharacter loads one character without its field map.
func (s *Store) GetCharacter(ctx context.Context, id string) (forum.Character, error) {
	query := `
		SELECT id, name, profile_url, group_id, group_name, avatar_url,
		       last_profile_crawl, last_thread_crawl
		FROM characters WHERE id = $1
	`
	var ch forum.Character
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&ch.ID, &ch.Name, &ch.ProfileURL, &ch.GroupID, &ch.GroupName,
		&ch.AvatarURL, &ch.LastProfileCrawl, &ch.LastThreadCrawl)
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.Character{}, ErrNotFound
	}
	if err != nil {
		return forum.Character{}, fmt.Errorf("get character %s: %w", id, err)
	}
	return ch, nil
}

// ListCharacters returns every registered character without field maps,
// ordered by name for stable iteration.
func (s *Store) ListCharacters(ctx context.Context) ([]forum.Character, error) {
	query := `
		SELECT id, name, profile_url, group_id, group_name, avatar_url,
		       last_profile_crawl, last_thread_crawl
		FROM characters ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []forum.Character
	for rows.Next() {
		var ch forum.Character
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.ProfileURL, &ch.GroupID, &ch.GroupName,
			&ch.AvatarURL, &ch.LastProfileCrawl, &ch.LastThreadCrawl); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return out, nil
}

// CharacterIDByName resolves a registered character id from its display
// name, case-insensitively.
func (s *Store) CharacterIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM characters WHERE lower(name) = lower($1)`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve character %q: %w", name, err)
	}
	return id, nil
}
