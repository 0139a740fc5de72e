package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
)

// GetCursor implements datastore.CursorStore.
func (s *Store) GetCursor(ctx context.Context, source string) (*datastore.Cursor, error) {
	const query = `
SELECT
	source, inode, last_offset, last_ingest_id, generation, first_hash, updated_at
FROM
	ingest_cursor
WHERE
	source = $1;`
	var (
		c         datastore.Cursor
		inode     int64
		firstHash *string
	)
	err := s.pool.QueryRow(ctx, query, source).Scan(
		&c.Source, &inode, &c.LastOffset, &c.LastIngestID,
		&c.Generation, &firstHash, &c.UpdatedAt,
	)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		return nil, datastore.ErrNotFound
	default:
		return nil, fmt.Errorf("failed to query cursor: %w", err)
	}
	c.Inode = uint64(inode)
	if firstHash != nil {
		d, err := honeycore.ParseDigest(*firstHash)
		if err == nil {
			c.FirstHash = d
		}
	}
	return &c, nil
}

// UpsertCursor implements datastore.CursorStore.
func (s *Store) UpsertCursor(ctx context.Context, c *datastore.Cursor) error {
	defer timer("upsert_cursor").ObserveDuration()
	_, err := s.pool.Exec(ctx, upsertCursorSQL,
		c.Source, int64(c.Inode), c.LastOffset, c.LastIngestID,
		c.Generation, digestOrNil(c.FirstHash),
	)
	observe("upsert_cursor", err)
	if err != nil {
		return fmt.Errorf("failed to upsert cursor: %w", err)
	}
	return nil
}
