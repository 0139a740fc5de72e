package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
)

const (
	insertRawEvent = `
INSERT INTO raw_event (
	ingest_id, source, source_inode, source_generation, source_offset,
	payload, payload_hash, risk_score, quarantined, session_id,
	event_type, event_timestamp
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source, source_inode, source_generation, source_offset)
DO NOTHING;`

	upsertSession = `
INSERT INTO session_summary (
	session_id, event_count, command_count, file_downloads,
	login_attempts, first_event_at, last_event_at, risk_score,
	source_files, vt_flagged, dshield_flagged, ssh_key_injections,
	unique_ssh_keys, matcher, source_ip, snapshot_asn,
	snapshot_country, snapshot_ip_type, enrichment_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id)
DO UPDATE SET
	event_count = session_summary.event_count + excluded.event_count,
	command_count = session_summary.command_count + excluded.command_count,
	file_downloads = session_summary.file_downloads + excluded.file_downloads,
	login_attempts = session_summary.login_attempts + excluded.login_attempts,
	first_event_at = min(
		coalesce(session_summary.first_event_at, excluded.first_event_at),
		coalesce(excluded.first_event_at, session_summary.first_event_at)
	),
	last_event_at = max(
		coalesce(session_summary.last_event_at, excluded.last_event_at),
		coalesce(excluded.last_event_at, session_summary.last_event_at)
	),
	risk_score = max(session_summary.risk_score, excluded.risk_score),
	source_files = (
		SELECT json_group_array(value ORDER BY value) FROM (
			SELECT value FROM json_each(session_summary.source_files)
			UNION
			SELECT value FROM json_each(excluded.source_files)
		)
	),
	vt_flagged = max(session_summary.vt_flagged, excluded.vt_flagged),
	dshield_flagged = max(session_summary.dshield_flagged, excluded.dshield_flagged),
	ssh_key_injections = session_summary.ssh_key_injections + excluded.ssh_key_injections,
	unique_ssh_keys = (
		SELECT json_group_array(value ORDER BY value) FROM (
			SELECT value FROM json_each(session_summary.unique_ssh_keys)
			UNION
			SELECT value FROM json_each(excluded.unique_ssh_keys)
		)
	),
	matcher = coalesce(session_summary.matcher, excluded.matcher),
	source_ip = coalesce(session_summary.source_ip, excluded.source_ip),
	snapshot_asn = coalesce(session_summary.snapshot_asn, excluded.snapshot_asn),
	snapshot_country = coalesce(session_summary.snapshot_country, excluded.snapshot_country),
	snapshot_ip_type = coalesce(session_summary.snapshot_ip_type, excluded.snapshot_ip_type),
	enrichment_at = coalesce(session_summary.enrichment_at, excluded.enrichment_at);`

	upsertSighting = `
INSERT INTO ip_inventory (ip_address, first_seen, last_seen, session_count)
VALUES (?, ?, ?, ?)
ON CONFLICT (ip_address)
DO UPDATE SET
	first_seen = min(ip_inventory.first_seen, excluded.first_seen),
	last_seen = max(ip_inventory.last_seen, excluded.last_seen),
	session_count = ip_inventory.session_count + excluded.session_count;`

	upsertCursorSQL = `
INSERT INTO ingest_cursor (source, inode, last_offset, last_ingest_id, generation, first_hash, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source)
DO UPDATE SET
	inode = excluded.inode,
	last_offset = excluded.last_offset,
	last_ingest_id = excluded.last_ingest_id,
	generation = excluded.generation,
	first_hash = excluded.first_hash,
	updated_at = excluded.updated_at;`
)

// CommitBatch implements datastore.EventStore.
//
// SQLite is a single-writer engine, so "batched" here is a prepared
// statement replayed inside one transaction. On an integrity failure
// the transaction rolls back and is retried row-by-row, dropping only
// the offending rows.
func (s *Store) CommitBatch(ctx context.Context, b *datastore.Batch) (datastore.BatchResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/CommitBatch")
	res, err := s.commitBatch(ctx, b, false)
	if err != nil && isIntegrityViolation(err) {
		zlog.Warn(ctx).Err(err).Msg("batch commit hit integrity violation, retrying row-by-row")
		res, err = s.commitBatch(ctx, b, true)
	}
	return res, err
}

func (s *Store) commitBatch(ctx context.Context, b *datastore.Batch, tolerant bool) (datastore.BatchResult, error) {
	var res datastore.BatchResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ins, err := tx.PrepareContext(ctx, insertRawEvent)
	if err != nil {
		return res, err
	}
	defer ins.Close()
	for i := range b.Events {
		e := &b.Events[i]
		r, err := ins.ExecContext(ctx, rawEventArgs(e)...)
		if err != nil {
			if tolerant {
				zlog.Warn(ctx).
					Err(err).
					Str("source", e.Source).
					Int64("offset", e.SourceOffset).
					Msg("dropping raw event row")
				continue
			}
			return res, fmt.Errorf("failed to insert raw event: %w", err)
		}
		n, _ := r.RowsAffected()
		res.EventsInserted += n
	}
	res.DuplicatesSkipped = int64(len(b.Events)) - res.EventsInserted

	for i := range b.Sessions {
		d := &b.Sessions[i]
		if _, err := tx.ExecContext(ctx, upsertSession, sessionArgs(d)...); err != nil {
			return res, fmt.Errorf("failed to upsert session %q: %w", d.SessionID, err)
		}
		res.SessionsUpserted++
	}

	for i := range b.Sightings {
		g := &b.Sightings[i]
		seen := g.SeenAt.UTC()
		if _, err := tx.ExecContext(ctx, upsertSighting, g.IP, seen, seen, g.Sessions); err != nil {
			return res, fmt.Errorf("failed to upsert sighting %q: %w", g.IP, err)
		}
	}

	if c := b.Cursor; c != nil {
		args := []any{
			c.Source, int64(c.Inode), c.LastOffset, c.LastIngestID.String(),
			c.Generation, digestOrNil(c.FirstHash), time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, upsertCursorSQL, args...); err != nil {
			return res, fmt.Errorf("failed to upsert cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return datastore.BatchResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}
	return res, nil
}

func rawEventArgs(e *datastore.RawEvent) []any {
	return []any{
		e.IngestID.String(), e.Source, int64(e.SourceInode),
		e.SourceGeneration, e.SourceOffset, string(e.Payload),
		e.PayloadHash.String(), e.RiskScore, e.Quarantined,
		nullString(e.SessionID), nullString(e.EventType),
		nullTime(e.EventTimestamp),
	}
}

func sessionArgs(d *datastore.SessionDelta) []any {
	var ipType *string
	if d.Snapshot.IPType != nil {
		s := d.Snapshot.IPType.String()
		ipType = &s
	}
	return []any{
		d.SessionID, d.EventCount, d.CommandCount, d.FileDownloads,
		d.LoginAttempts, nullTime(d.FirstEventAt), nullTime(d.LastEventAt),
		d.RiskScore, string(jsonArray(d.SourceFiles)), d.VTFlagged,
		d.DShieldFlagged, d.SSHKeyInjections, string(jsonArray(d.SSHKeys)),
		nullString(d.Matcher), nullString(d.SourceIP), d.Snapshot.ASN,
		d.Snapshot.Country, ipType, d.Snapshot.At,
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func digestOrNil(d honeycore.Digest) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func jsonArray(ss []string) json.RawMessage {
	if len(ss) == 0 {
		return json.RawMessage(`[]`)
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return b
}
