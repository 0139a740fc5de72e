package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/cowrie"
)

// MaxSourcePosition implements datastore.EventStore.
func (s *Store) MaxSourcePosition(ctx context.Context, source string) (int64, int64, bool, error) {
	const query = `
SELECT source_generation, source_offset
FROM raw_event
WHERE source = ?
ORDER BY source_generation DESC, source_offset DESC
LIMIT 1;`
	var gen, off int64
	err := s.db.QueryRowContext(ctx, query, source).Scan(&gen, &off)
	switch {
	case err == nil:
		return gen, off, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, 0, false, nil
	default:
		return 0, 0, false, fmt.Errorf("failed to query max position: %w", err)
	}
}

// FirstPayloadHash implements datastore.EventStore.
func (s *Store) FirstPayloadHash(ctx context.Context, source string, generation int64) (honeycore.Digest, bool, error) {
	const query = `
SELECT payload_hash
FROM raw_event
WHERE source = ? AND source_generation = ? AND source_offset = 0
LIMIT 1;`
	var h string
	err := s.db.QueryRowContext(ctx, query, source, generation).Scan(&h)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return honeycore.Digest{}, false, nil
	default:
		return honeycore.Digest{}, false, fmt.Errorf("failed to query first hash: %w", err)
	}
	d, err := honeycore.ParseDigest(h)
	if err != nil {
		return honeycore.Digest{}, false, err
	}
	return d, true, nil
}

// SanitizeStored implements datastore.EventStore.
func (s *Store) SanitizeStored(ctx context.Context) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/SanitizeStored")
	var changed int64

	n, err := s.sanitizeTable(ctx,
		`SELECT id, payload FROM raw_event;`,
		`UPDATE raw_event SET payload = ? WHERE id = ?;`)
	if err != nil {
		return changed, err
	}
	changed += n

	n, err = s.sanitizeSessionFiles(ctx)
	if err != nil {
		return changed, err
	}
	changed += n

	zlog.Info(ctx).Int64("rows", changed).Msg("retroactive sanitization complete")
	return changed, nil
}

func (s *Store) sanitizeTable(ctx context.Context, selectSQL, updateSQL string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return 0, err
	}
	type update struct {
		id  int64
		doc string
	}
	var updates []update
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		clean, dirty := resanitize(raw)
		if dirty {
			updates = append(updates, update{id: id, doc: clean})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, u := range updates {
		if _, err := s.db.ExecContext(ctx, updateSQL, u.doc, u.id); err != nil {
			return int64(len(updates)), err
		}
	}
	return int64(len(updates)), nil
}

func (s *Store) sanitizeSessionFiles(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, source_files FROM session_summary;`)
	if err != nil {
		return 0, err
	}
	type update struct {
		id  string
		doc string
	}
	var updates []update
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		clean, dirty := resanitize(raw)
		if dirty {
			updates = append(updates, update{id: id, doc: clean})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, u := range updates {
		if _, err := s.db.ExecContext(ctx, `UPDATE session_summary SET source_files = ? WHERE session_id = ?;`, u.doc, u.id); err != nil {
			return int64(len(updates)), err
		}
	}
	return int64(len(updates)), nil
}

func resanitize(raw string) (string, bool) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return raw, false
	}
	var orig any
	if err := json.Unmarshal([]byte(raw), &orig); err != nil {
		return raw, false
	}
	doc = cowrie.SanitizeTree(doc)
	clean, err := json.Marshal(doc)
	if err != nil {
		return raw, false
	}
	origBytes, err := json.Marshal(orig)
	if err != nil {
		return raw, false
	}
	if string(origBytes) == string(clean) {
		return raw, false
	}
	return string(clean), true
}
