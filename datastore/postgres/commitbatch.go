package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/pkg/microbatch"
)

const (
	insertRawEvent = `
INSERT
INTO
	raw_event (
		ingest_id, source, source_inode, source_generation,
		source_offset, payload, payload_hash, risk_score,
		quarantined, session_id, event_type, event_timestamp
	)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT
	(source, source_inode, source_generation, source_offset)
DO
	NOTHING;`

	upsertSession = `
INSERT
INTO
	session_summary (
		session_id, event_count, command_count, file_downloads,
		login_attempts, first_event_at, last_event_at, risk_score,
		source_files, vt_flagged, dshield_flagged,
		ssh_key_injections, unique_ssh_keys, matcher, source_ip,
		snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at
	)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT
	(session_id)
DO
	UPDATE
SET
	event_count = session_summary.event_count + EXCLUDED.event_count,
	command_count = session_summary.command_count + EXCLUDED.command_count,
	file_downloads = session_summary.file_downloads + EXCLUDED.file_downloads,
	login_attempts = session_summary.login_attempts + EXCLUDED.login_attempts,
	first_event_at = LEAST(session_summary.first_event_at, EXCLUDED.first_event_at),
	last_event_at = GREATEST(session_summary.last_event_at, EXCLUDED.last_event_at),
	risk_score = GREATEST(session_summary.risk_score, EXCLUDED.risk_score),
	source_files = (
		SELECT COALESCE(jsonb_agg(elem ORDER BY elem), '[]'::jsonb)
		FROM (
			SELECT jsonb_array_elements_text(session_summary.source_files) AS elem
			UNION
			SELECT jsonb_array_elements_text(EXCLUDED.source_files)
		) AS merged
	),
	vt_flagged = session_summary.vt_flagged OR EXCLUDED.vt_flagged,
	dshield_flagged = session_summary.dshield_flagged OR EXCLUDED.dshield_flagged,
	ssh_key_injections = session_summary.ssh_key_injections + EXCLUDED.ssh_key_injections,
	unique_ssh_keys = (
		SELECT COALESCE(jsonb_agg(elem ORDER BY elem), '[]'::jsonb)
		FROM (
			SELECT jsonb_array_elements_text(session_summary.unique_ssh_keys) AS elem
			UNION
			SELECT jsonb_array_elements_text(EXCLUDED.unique_ssh_keys)
		) AS merged
	),
	matcher = COALESCE(session_summary.matcher, EXCLUDED.matcher),
	source_ip = COALESCE(session_summary.source_ip, EXCLUDED.source_ip),
	snapshot_asn = COALESCE(session_summary.snapshot_asn, EXCLUDED.snapshot_asn),
	snapshot_country = COALESCE(session_summary.snapshot_country, EXCLUDED.snapshot_country),
	snapshot_ip_type = COALESCE(session_summary.snapshot_ip_type, EXCLUDED.snapshot_ip_type),
	enrichment_at = COALESCE(session_summary.enrichment_at, EXCLUDED.enrichment_at);`

	upsertSighting = `
INSERT
INTO
	ip_inventory (ip_address, first_seen, last_seen, session_count)
VALUES
	($1, $2, $2, $3)
ON CONFLICT
	(ip_address)
DO
	UPDATE
SET
	first_seen = LEAST(ip_inventory.first_seen, EXCLUDED.first_seen),
	last_seen = GREATEST(ip_inventory.last_seen, EXCLUDED.last_seen),
	session_count = ip_inventory.session_count + EXCLUDED.session_count;`

	upsertCursorSQL = `
INSERT
INTO
	ingest_cursor (source, inode, last_offset, last_ingest_id, generation, first_hash, updated_at)
VALUES
	($1, $2, $3, $4, $5, $6, now())
ON CONFLICT
	(source)
DO
	UPDATE
SET
	inode = EXCLUDED.inode,
	last_offset = EXCLUDED.last_offset,
	last_ingest_id = EXCLUDED.last_ingest_id,
	generation = EXCLUDED.generation,
	first_hash = EXCLUDED.first_hash,
	updated_at = now();`
)

// CommitBatch implements datastore.EventStore.
//
// The whole batch commits in one transaction. Raw-event inserts go
// through a micro batcher; on an integrity failure the transaction is
// rolled back and every row retried individually so good rows are not
// lost to one bad one.
func (s *Store) CommitBatch(ctx context.Context, b *datastore.Batch) (datastore.BatchResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/CommitBatch")
	defer timer("commitbatch").ObserveDuration()

	res, err := s.commitBatch(ctx, b, true)
	if err != nil && isIntegrityViolation(err) {
		zlog.Warn(ctx).
			Err(err).
			Msg("batched commit hit integrity violation, retrying row-by-row")
		res, err = s.commitBatch(ctx, b, false)
	}
	observe("commitbatch", err)
	return res, err
}

func (s *Store) commitBatch(ctx context.Context, b *datastore.Batch, batched bool) (datastore.BatchResult, error) {
	var res datastore.BatchResult
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted int64
	if batched {
		mb := microbatch.NewInsert(tx, 500, time.Minute)
		for i := range b.Events {
			e := &b.Events[i]
			if err := mb.Queue(ctx, insertRawEvent, rawEventArgs(e)...); err != nil {
				return res, fmt.Errorf("failed to queue raw event: %w", err)
			}
		}
		if err := mb.Done(ctx); err != nil {
			return res, fmt.Errorf("failed to send raw event batch: %w", err)
		}
		inserted = mb.Affected()
	} else {
		for i := range b.Events {
			e := &b.Events[i]
			tag, err := tx.Exec(ctx, insertRawEvent, rawEventArgs(e)...)
			if err != nil {
				zlog.Warn(ctx).
					Err(err).
					Str("source", e.Source).
					Int64("offset", e.SourceOffset).
					Msg("dropping raw event row")
				continue
			}
			inserted += tag.RowsAffected()
		}
	}
	res.EventsInserted = inserted
	res.DuplicatesSkipped = int64(len(b.Events)) - inserted

	for i := range b.Sessions {
		d := &b.Sessions[i]
		if _, err := tx.Exec(ctx, upsertSession, sessionArgs(d)...); err != nil {
			return res, fmt.Errorf("failed to upsert session %q: %w", d.SessionID, err)
		}
		res.SessionsUpserted++
	}

	for i := range b.Sightings {
		g := &b.Sightings[i]
		if _, err := tx.Exec(ctx, upsertSighting, g.IP, g.SeenAt, g.Sessions); err != nil {
			return res, fmt.Errorf("failed to upsert sighting %q: %w", g.IP, err)
		}
	}

	if c := b.Cursor; c != nil {
		args := []any{c.Source, int64(c.Inode), c.LastOffset, c.LastIngestID, c.Generation, digestOrNil(c.FirstHash)}
		if _, err := tx.Exec(ctx, upsertCursorSQL, args...); err != nil {
			return res, fmt.Errorf("failed to upsert cursor: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return datastore.BatchResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}
	return res, nil
}

func rawEventArgs(e *datastore.RawEvent) []any {
	return []any{
		e.IngestID, e.Source, int64(e.SourceInode), e.SourceGeneration,
		e.SourceOffset, e.Payload, e.PayloadHash.String(), e.RiskScore,
		e.Quarantined, nullString(e.SessionID), nullString(e.EventType),
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
		d.RiskScore, jsonArray(d.SourceFiles), d.VTFlagged, d.DShieldFlagged,
		d.SSHKeyInjections, jsonArray(d.SSHKeys), nullString(d.Matcher),
		nullString(d.SourceIP), d.Snapshot.ASN, d.Snapshot.Country, ipType,
		d.Snapshot.At,
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
	return &t
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
