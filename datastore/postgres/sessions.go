package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quay/honeycore/datastore"
)

// UnflaggedSessions implements datastore.SessionEnrichStore.
func (s *Store) UnflaggedSessions(ctx context.Context, limit int) ([]datastore.SessionRef, error) {
	const query = `
SELECT
	session_id, source_ip
FROM
	session_summary
WHERE
	source_ip IS NOT NULL
	AND enrichment_at IS NULL
ORDER BY
	last_event_at DESC
LIMIT $1;`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var out []datastore.SessionRef
	for rows.Next() {
		var r datastore.SessionRef
		if err := rows.Scan(&r.SessionID, &r.SourceIP); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionDownloads implements datastore.SessionEnrichStore.
func (s *Store) SessionDownloads(ctx context.Context, sessionID string) ([]datastore.Download, error) {
	const query = `
SELECT
	payload
FROM
	raw_event
WHERE
	session_id = $1
	AND event_type = 'cowrie.session.file_download';`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()
	var out []datastore.Download
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		if d, ok := downloadFromPayload(payload); ok {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

// FlagSession implements datastore.SessionEnrichStore.
func (s *Store) FlagSession(ctx context.Context, sessionID string, vt, dshield bool) error {
	const query = `
UPDATE
	session_summary
SET
	vt_flagged = vt_flagged OR $1,
	dshield_flagged = dshield_flagged OR $2,
	enrichment_at = COALESCE(enrichment_at, now())
WHERE
	session_id = $3;`
	if _, err := s.pool.Exec(ctx, query, vt, dshield, sessionID); err != nil {
		return fmt.Errorf("failed to flag session %q: %w", sessionID, err)
	}
	return nil
}

func downloadFromPayload(payload []byte) (datastore.Download, bool) {
	var doc struct {
		SHASum string `json:"shasum"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return datastore.Download{}, false
	}
	if doc.SHASum == "" && doc.URL == "" {
		return datastore.Download{}, false
	}
	return datastore.Download{Hash: doc.SHASum, URL: doc.URL}, true
}
