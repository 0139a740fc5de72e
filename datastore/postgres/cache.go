package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quay/honeycore/datastore"
)

// GetCache implements datastore.CacheStore.
//
// Expired rows are deleted on the way out: the CTE removes the row
// when it is past its expiry and the outer select only ever sees live
// rows.
func (s *Store) GetCache(ctx context.Context, service, key string) (json.RawMessage, error) {
	const query = `
WITH
	expired
		AS (
			DELETE FROM
				enrichment_cache
			WHERE
				service = $1
				AND cache_key = $2
				AND expires_at <= now()
		)
SELECT
	cache_value
FROM
	enrichment_cache
WHERE
	service = $1
	AND cache_key = $2
	AND expires_at > now();`
	defer timer("cache_get").ObserveDuration()
	var v json.RawMessage
	err := s.pool.QueryRow(ctx, query, service, key).Scan(&v)
	observe("cache_get", err)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, datastore.ErrNotFound
	default:
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
}

// PutCache implements datastore.CacheStore.
func (s *Store) PutCache(ctx context.Context, service, key string, value json.RawMessage, ttl time.Duration) error {
	const query = `
INSERT
INTO
	enrichment_cache (service, cache_key, cache_value, created_at, expires_at)
VALUES
	($1, $2, $3, now(), now() + $4)
ON CONFLICT
	(service, cache_key)
DO
	UPDATE
SET
	cache_value = EXCLUDED.cache_value,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at;`
	defer timer("cache_put").ObserveDuration()
	_, err := s.pool.Exec(ctx, query, service, key, value, ttl)
	observe("cache_put", err)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// CleanupExpired implements datastore.CacheStore.
func (s *Store) CleanupExpired(ctx context.Context, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		err := s.pool.QueryRow(ctx, `SELECT count(*) FROM enrichment_cache WHERE expires_at <= now();`).Scan(&n)
		return n, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrichment_cache WHERE expires_at <= now();`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
