package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
)

const insertDeadLetter = `
INSERT INTO dead_letter_event (
	ingest_id, source, source_offset, source_inode, reason,
	payload, payload_checksum, priority, classification,
	idempotency_key, created_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING;`

// InsertDeadLetters implements datastore.DeadLetterStore.
func (s *Store) InsertDeadLetters(ctx context.Context, ds []datastore.DeadLetter) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/InsertDeadLetters")
	if len(ds) == 0 {
		return 0, nil
	}
	var n int64
	for i := range ds {
		r, err := s.db.ExecContext(ctx, insertDeadLetter, deadLetterArgs(&ds[i])...)
		if err != nil {
			if isIntegrityViolation(err) {
				zlog.Warn(ctx).
					Err(err).
					Str("source", ds[i].Source).
					Int64("offset", ds[i].SourceOffset).
					Msg("dropping dead letter row")
				continue
			}
			return n, fmt.Errorf("failed to insert dead letter: %w", err)
		}
		a, _ := r.RowsAffected()
		n += a
	}
	return n, nil
}

func deadLetterArgs(d *datastore.DeadLetter) []any {
	if d.Priority == 0 {
		d.Priority = 5
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = d.ComputeIdempotencyKey()
	}
	var ingest *string
	if d.IngestID != uuid.Nil {
		s := d.IngestID.String()
		ingest = &s
	}
	return []any{
		ingest, d.Source, d.SourceOffset, int64(d.SourceInode), d.Reason,
		string(d.Payload), d.PayloadChecksum.String(), d.Priority,
		nullString(d.Classification), d.IdempotencyKey, time.Now().UTC(),
	}
}

// AcquireLock implements datastore.DeadLetterStore.
func (s *Store) AcquireLock(ctx context.Context, id int64, lock uuid.UUID, ttl time.Duration) error {
	now := time.Now().UTC()
	const query = `
UPDATE dead_letter_event
SET processing_lock = ?, lock_expires_at = ?
WHERE id = ?
	AND (
		processing_lock IS NULL
		OR lock_expires_at < ?
		OR processing_lock = ?
	);`
	r, err := s.db.ExecContext(ctx, query, lock.String(), now.Add(ttl), id, now, lock.String())
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, _ := r.RowsAffected()
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM dead_letter_event WHERE id = ?);`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return datastore.ErrNotFound
		}
		return datastore.ErrLocked
	}
	return nil
}

// ReleaseLock implements datastore.DeadLetterStore.
func (s *Store) ReleaseLock(ctx context.Context, id int64, lock uuid.UUID) error {
	const query = `
UPDATE dead_letter_event
SET processing_lock = NULL, lock_expires_at = NULL
WHERE id = ? AND processing_lock = ?;`
	_, err := s.db.ExecContext(ctx, query, id, lock.String())
	return err
}

// RecordAttempt implements datastore.DeadLetterStore.
func (s *Store) RecordAttempt(ctx context.Context, id int64, a datastore.ProcessingAttempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	const query = `
UPDATE dead_letter_event
SET processing_attempts = json_insert(processing_attempts, '$[#]', json(?)),
	last_processed_at = ?
WHERE id = ?;`
	r, err := s.db.ExecContext(ctx, query, string(b), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

// RecordError implements datastore.DeadLetterStore.
func (s *Store) RecordError(ctx context.Context, id int64, e datastore.ErrorRecord) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	const query = `
UPDATE dead_letter_event
SET error_history = json_insert(error_history, '$[#]', json(?)),
	retry_count = retry_count + 1,
	last_processed_at = ?
WHERE id = ?;`
	r, err := s.db.ExecContext(ctx, query, string(b), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

// MarkResolved implements datastore.DeadLetterStore.
func (s *Store) MarkResolved(ctx context.Context, id int64, method string) error {
	const query = `
UPDATE dead_letter_event
SET resolved = 1,
	resolved_at = ?,
	resolution_method = ?,
	processing_lock = NULL,
	lock_expires_at = NULL
WHERE id = ?;`
	r, err := s.db.ExecContext(ctx, query, time.Now().UTC(), method, id)
	if err != nil {
		return fmt.Errorf("failed to mark resolved: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

// ListUnresolved implements datastore.DeadLetterStore.
func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]datastore.DeadLetter, error) {
	const query = `
SELECT
	id, coalesce(ingest_id, '00000000-0000-0000-0000-000000000000'),
	source, source_offset, source_inode, reason, payload,
	payload_checksum, retry_count, error_history, processing_attempts,
	resolved, resolved_at, coalesce(resolution_method, ''),
	coalesce(idempotency_key, ''), coalesce(processing_lock, ''),
	lock_expires_at, priority, coalesce(classification, ''),
	created_at, last_processed_at
FROM dead_letter_event
WHERE resolved = 0
ORDER BY priority DESC, id ASC
LIMIT ?;`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()
	var out []datastore.DeadLetter
	for rows.Next() {
		var (
			d        datastore.DeadLetter
			ingest   string
			inode    int64
			payload  string
			checksum string
			errs     string
			attempts string
		)
		if err := rows.Scan(
			&d.ID, &ingest, &d.Source, &d.SourceOffset, &inode,
			&d.Reason, &payload, &checksum, &d.RetryCount, &errs,
			&attempts, &d.Resolved, &d.ResolvedAt, &d.ResolutionMethod,
			&d.IdempotencyKey, &d.ProcessingLock, &d.LockExpiresAt,
			&d.Priority, &d.Classification, &d.CreatedAt, &d.LastProcessedAt,
		); err != nil {
			return nil, err
		}
		if id, err := uuid.Parse(ingest); err == nil {
			d.IngestID = id
		}
		d.SourceInode = uint64(inode)
		d.Payload = json.RawMessage(payload)
		if dg, err := honeycore.ParseDigest(checksum); err == nil {
			d.PayloadChecksum = dg
		}
		if err := json.Unmarshal([]byte(errs), &d.ErrorHistory); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attempts), &d.ProcessingAttempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeadLetters implements datastore.DeadLetterStore.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, int64, error) {
	const query = `
SELECT count(*), count(CASE WHEN resolved = 0 THEN 1 END)
FROM dead_letter_event;`
	var total, unresolved int64
	err := s.db.QueryRowContext(ctx, query).Scan(&total, &unresolved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}
	return total, unresolved, nil
}
