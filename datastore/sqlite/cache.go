package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quay/honeycore/datastore"
)

// GetCache implements datastore.CacheStore.
//
// Expired rows are deleted on the way out. SQLite has no data-modifying
// CTEs, so the delete and select run as two statements in one
// transaction.
func (s *Store) GetCache(ctx context.Context, service, key string) (json.RawMessage, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM enrichment_cache WHERE service = ? AND cache_key = ? AND expires_at <= ?;`,
		service, key, now); err != nil {
		return nil, fmt.Errorf("failed to expire cache entry: %w", err)
	}
	var v string
	err = tx.QueryRowContext(ctx,
		`SELECT cache_value FROM enrichment_cache WHERE service = ? AND cache_key = ? AND expires_at > ?;`,
		service, key, now).Scan(&v)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, datastore.ErrNotFound
	default:
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

// PutCache implements datastore.CacheStore.
func (s *Store) PutCache(ctx context.Context, service, key string, value json.RawMessage, ttl time.Duration) error {
	const query = `
INSERT INTO enrichment_cache (service, cache_key, cache_value, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (service, cache_key)
DO UPDATE SET
	cache_value = excluded.cache_value,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at;`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, service, key, string(value), now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// CleanupExpired implements datastore.CacheStore.
func (s *Store) CleanupExpired(ctx context.Context, dryRun bool) (int64, error) {
	now := time.Now().UTC()
	if dryRun {
		var n int64
		err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM enrichment_cache WHERE expires_at <= ?;`, now).Scan(&n)
		return n, err
	}
	r, err := s.db.ExecContext(ctx, `DELETE FROM enrichment_cache WHERE expires_at <= ?;`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clean cache: %w", err)
	}
	return r.RowsAffected()
}
