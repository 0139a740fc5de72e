package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
)

// GetCursor implements datastore.CursorStore.
func (s *Store) GetCursor(ctx context.Context, source string) (*datastore.Cursor, error) {
	const query = `
SELECT source, inode, last_offset, last_ingest_id, generation, first_hash, updated_at
FROM ingest_cursor
WHERE source = ?;`
	var (
		c         datastore.Cursor
		inode     int64
		ingestID  *string
		firstHash *string
	)
	err := s.db.QueryRowContext(ctx, query, source).Scan(
		&c.Source, &inode, &c.LastOffset, &ingestID,
		&c.Generation, &firstHash, &c.UpdatedAt,
	)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, datastore.ErrNotFound
	default:
		return nil, fmt.Errorf("failed to query cursor: %w", err)
	}
	c.Inode = uint64(inode)
	if ingestID != nil {
		if id, err := uuid.Parse(*ingestID); err == nil {
			c.LastIngestID = id
		}
	}
	if firstHash != nil {
		if d, err := honeycore.ParseDigest(*firstHash); err == nil {
			c.FirstHash = d
		}
	}
	return &c, nil
}

// UpsertCursor implements datastore.CursorStore.
func (s *Store) UpsertCursor(ctx context.Context, c *datastore.Cursor) error {
	_, err := s.db.ExecContext(ctx, upsertCursorSQL,
		c.Source, int64(c.Inode), c.LastOffset, c.LastIngestID.String(),
		c.Generation, digestOrNil(c.FirstHash), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cursor: %w", err)
	}
	return nil
}
