package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Well-known crawl_state keys.
const (
	// StateAdminUser and StateAdminPass bootstrap the admin export client
	// from the database instead of the environment.
	StateAdminUser = "acp_username"
	StateAdminPass = "acp_password"
	// StateLastDumpSync is the RFC3339 timestamp of the last successful
	// export sync.
	StateLastDumpSync = "last_dump_sync"
)

// GetState reads one crawl_state value, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT state_value FROM crawl_state WHERE state_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState writes one crawl_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO crawl_state (state_key, state_value)
		VALUES ($1, $2)
		ON CONFLICT (state_key) DO UPDATE
		SET state_value = EXCLUDED.state_value, updated_at = now();
	`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}
