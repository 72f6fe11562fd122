package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/marginalia/internal/apperr"
)

// Get returns the value stored under key, or apperr.ErrNotFound.
func (db *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: kv %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: kv get: %w", err)
	}
	return v, nil
}

// Set stores value under key, replacing any previous value.
func (db *DB) Set(ctx context.Context, key string, value []byte) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("index: kv set: %w", err)
	}
	return nil
}
