package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/cowrie"
)

// BackfillSSHKeys implements datastore.SSHKeyStore.
//
// The extractor here is the same one the delta loader runs at ingest
// time, so a backfill converges on the same aggregates a clean ingest
// would have produced.
func (s *Store) BackfillSSHKeys(ctx context.Context) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/BackfillSSHKeys")
	const query = `
SELECT
	session_id, payload
FROM
	raw_event
WHERE
	session_id IS NOT NULL
	AND event_type LIKE 'cowrie.command%';`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to scan command events: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]map[string]struct{})
	counts := make(map[string]int64)
	for rows.Next() {
		var (
			session string
			payload []byte
		)
		if err := rows.Scan(&session, &payload); err != nil {
			return 0, err
		}
		for _, k := range extractFromPayload(payload) {
			if keys[session] == nil {
				keys[session] = make(map[string]struct{})
			}
			keys[session][k.Fingerprint] = struct{}{}
			counts[session]++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	const update = `
UPDATE
	session_summary
SET
	unique_ssh_keys = $2,
	ssh_key_injections = $3
WHERE
	session_id = $1;`
	var updated int64
	for session, fps := range keys {
		sorted := make([]string, 0, len(fps))
		for fp := range fps {
			sorted = append(sorted, fp)
		}
		sort.Strings(sorted)
		doc, err := json.Marshal(sorted)
		if err != nil {
			return updated, err
		}
		tag, err := s.pool.Exec(ctx, update, session, doc, counts[session])
		if err != nil {
			return updated, fmt.Errorf("failed to update session %q: %w", session, err)
		}
		updated += tag.RowsAffected()
	}
	zlog.Info(ctx).Int64("sessions", updated).Msg("ssh key backfill complete")
	return updated, nil
}

// ExportSSHKeys implements datastore.SSHKeyStore.
func (s *Store) ExportSSHKeys(ctx context.Context) (map[string][]string, error) {
	const query = `
SELECT
	session_id, unique_ssh_keys
FROM
	session_summary
WHERE
	unique_ssh_keys != '[]'::jsonb;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to export keys: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var (
			session string
			doc     []byte
		)
		if err := rows.Scan(&session, &doc); err != nil {
			return nil, err
		}
		var fps []string
		if err := json.Unmarshal(doc, &fps); err != nil {
			return nil, err
		}
		if len(fps) > 0 {
			out[session] = fps
		}
	}
	return out, rows.Err()
}

func extractFromPayload(payload []byte) []cowrie.KeyInjection {
	var doc struct {
		Input         string `json:"input"`
		InputOriginal string `json:"input_original"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}
	cmd := doc.InputOriginal
	if cmd == "" {
		cmd = doc.Input
	}
	if cmd == "" {
		return nil
	}
	return cowrie.ExtractAuthorizedKey(cmd)
}
