package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/cowrie"
)

// MaxSourcePosition implements datastore.EventStore.
func (s *Store) MaxSourcePosition(ctx context.Context, source string) (int64, int64, bool, error) {
	const query = `
SELECT
	source_generation, source_offset
FROM
	raw_event
WHERE
	source = $1
ORDER BY
	source_generation DESC, source_offset DESC
LIMIT 1;`
	var gen, off int64
	err := s.pool.QueryRow(ctx, query, source).Scan(&gen, &off)
	switch {
	case err == nil:
		return gen, off, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, 0, false, nil
	default:
		return 0, 0, false, fmt.Errorf("failed to query max position: %w", err)
	}
}

// FirstPayloadHash implements datastore.EventStore.
func (s *Store) FirstPayloadHash(ctx context.Context, source string, generation int64) (honeycore.Digest, bool, error) {
	const query = `
SELECT
	payload_hash
FROM
	raw_event
WHERE
	source = $1
	AND source_generation = $2
	AND source_offset = 0
LIMIT 1;`
	var h string
	err := s.pool.QueryRow(ctx, query, source, generation).Scan(&h)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
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
//
// It rewrites payload documents and session source-file sets whose
// string values contain control characters. Rows already clean are
// untouched.
func (s *Store) SanitizeStored(ctx context.Context) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/SanitizeStored")
	var changed int64

	n, err := s.sanitizeEvents(ctx)
	if err != nil {
		return changed, err
	}
	changed += n

	n, err = s.sanitizeSessions(ctx)
	if err != nil {
		return changed, err
	}
	changed += n

	zlog.Info(ctx).Int64("rows", changed).Msg("retroactive sanitization complete")
	return changed, nil
}

func (s *Store) sanitizeEvents(ctx context.Context) (int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payload FROM raw_event;`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan raw events: %w", err)
	}
	type update struct {
		id      int64
		payload []byte
	}
	var updates []update
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		clean, dirty := resanitize(raw)
		if dirty {
			updates = append(updates, update{id: id, payload: clean})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, u := range updates {
		if _, err := s.pool.Exec(ctx, `UPDATE raw_event SET payload = $2 WHERE id = $1;`, u.id, u.payload); err != nil {
			return int64(len(updates)), err
		}
	}
	return int64(len(updates)), nil
}

func (s *Store) sanitizeSessions(ctx context.Context) (int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id, source_files FROM session_summary;`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}
	type update struct {
		id    string
		files []byte
	}
	var updates []update
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		clean, dirty := resanitize(raw)
		if dirty {
			updates = append(updates, update{id: id, files: clean})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, u := range updates {
		if _, err := s.pool.Exec(ctx, `UPDATE session_summary SET source_files = $2 WHERE session_id = $1;`, u.id, u.files); err != nil {
			return int64(len(updates)), err
		}
	}
	return int64(len(updates)), nil
}

// resanitize decodes a JSON document, sanitizes the tree, and reports
// whether anything changed.
func resanitize(raw []byte) ([]byte, bool) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, false
	}
	doc = cowrie.SanitizeTree(doc)
	clean, err := json.Marshal(doc)
	if err != nil {
		return raw, false
	}
	// Comparing the re-marshaled form against a re-marshal of the
	// original avoids false positives from whitespace differences.
	var orig any
	if err := json.Unmarshal(raw, &orig); err != nil {
		return raw, false
	}
	origBytes, err := json.Marshal(orig)
	if err != nil {
		return raw, false
	}
	if string(origBytes) == string(clean) {
		return raw, false
	}
	return clean, true
}
