package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/cowrie"
)

// BackfillSSHKeys implements datastore.SSHKeyStore.
func (s *Store) BackfillSSHKeys(ctx context.Context) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/BackfillSSHKeys")
	const query = `
SELECT session_id, payload
FROM raw_event
WHERE session_id IS NOT NULL
  AND event_type LIKE 'cowrie.command%';`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to scan command events: %w", err)
	}
	keys := make(map[string]map[string]struct{})
	counts := make(map[string]int64)
	for rows.Next() {
		var session, payload string
		if err := rows.Scan(&session, &payload); err != nil {
			rows.Close()
			return 0, err
		}
		for _, k := range extractFromPayload([]byte(payload)) {
			if keys[session] == nil {
				keys[session] = make(map[string]struct{})
			}
			keys[session][k.Fingerprint] = struct{}{}
			counts[session]++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	const update = `
UPDATE session_summary
SET unique_ssh_keys = ?, ssh_key_injections = ?
WHERE session_id = ?;`
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
		res, err := s.db.ExecContext(ctx, update, string(doc), counts[session], session)
		if err != nil {
			return updated, fmt.Errorf("failed to update session %q: %w", session, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			updated += n
		}
	}
	zlog.Info(ctx).Int64("sessions", updated).Msg("ssh key backfill complete")
	return updated, nil
}

// ExportSSHKeys implements datastore.SSHKeyStore.
func (s *Store) ExportSSHKeys(ctx context.Context) (map[string][]string, error) {
	const query = `
SELECT session_id, unique_ssh_keys
FROM session_summary
WHERE unique_ssh_keys IS NOT NULL
  AND unique_ssh_keys != '[]';`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to export keys: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var session, doc string
		if err := rows.Scan(&session, &doc); err != nil {
			return nil, err
		}
		var fps []string
		if err := json.Unmarshal([]byte(doc), &fps); err != nil {
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
