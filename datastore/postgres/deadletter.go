package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/pkg/microbatch"
)

var deadLetterCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "honeycore",
	Subsystem: "dlq",
	Name:      "inserts_total",
	Help:      "Dead letter rows inserted, by reason.",
}, []string{"reason"})

const insertDeadLetter = `
INSERT
INTO
	dead_letter_event (
		ingest_id, source, source_offset, source_inode, reason,
		payload, payload_checksum, priority, classification,
		idempotency_key
	)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT
	(idempotency_key)
DO
	NOTHING;`

// InsertDeadLetters implements datastore.DeadLetterStore.
//
// Inserts are batched; an integrity failure falls back to per-row
// inserts so one conflicting row cannot shadow the rest.
func (s *Store) InsertDeadLetters(ctx context.Context, ds []datastore.DeadLetter) (int64, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/InsertDeadLetters")
	if len(ds) == 0 {
		return 0, nil
	}
	n, err := s.insertDeadLettersBatched(ctx, ds)
	if err != nil && isIntegrityViolation(err) {
		zlog.Warn(ctx).Err(err).Msg("batched dead letter insert failed, retrying row-by-row")
		n, err = s.insertDeadLettersRows(ctx, ds)
	}
	if err != nil {
		return n, err
	}
	for i := range ds {
		deadLetterCounter.WithLabelValues(ds[i].Reason).Inc()
	}
	return n, nil
}

func (s *Store) insertDeadLettersBatched(ctx context.Context, ds []datastore.DeadLetter) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	mb := microbatch.NewInsert(tx, 500, time.Minute)
	for i := range ds {
		if err := mb.Queue(ctx, insertDeadLetter, deadLetterArgs(&ds[i])...); err != nil {
			return 0, err
		}
	}
	if err := mb.Done(ctx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return mb.Affected(), nil
}

func (s *Store) insertDeadLettersRows(ctx context.Context, ds []datastore.DeadLetter) (int64, error) {
	var n int64
	for i := range ds {
		tag, err := s.pool.Exec(ctx, insertDeadLetter, deadLetterArgs(&ds[i])...)
		if err != nil {
			zlog.Warn(ctx).
				Err(err).
				Str("source", ds[i].Source).
				Int64("offset", ds[i].SourceOffset).
				Msg("dropping dead letter row")
			continue
		}
		n += tag.RowsAffected()
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
	var ingest any
	if d.IngestID != uuid.Nil {
		ingest = d.IngestID
	}
	return []any{
		ingest, d.Source, d.SourceOffset, int64(d.SourceInode), d.Reason,
		d.Payload, d.PayloadChecksum.String(), d.Priority,
		nullString(d.Classification), d.IdempotencyKey,
	}
}

// AcquireLock implements datastore.DeadLetterStore.
func (s *Store) AcquireLock(ctx context.Context, id int64, lock uuid.UUID, ttl time.Duration) error {
	const query = `
UPDATE
	dead_letter_event
SET
	processing_lock = $2,
	lock_expires_at = now() + $3
WHERE
	id = $1
	AND (
		processing_lock IS NULL
		OR lock_expires_at < now()
		OR processing_lock = $2
	);`
	tag, err := s.pool.Exec(ctx, query, id, lock.String(), ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dead_letter_event WHERE id = $1);`, id).Scan(&exists); err != nil {
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
UPDATE
	dead_letter_event
SET
	processing_lock = NULL,
	lock_expires_at = NULL
WHERE
	id = $1
	AND processing_lock = $2;`
	_, err := s.pool.Exec(ctx, query, id, lock.String())
	return err
}

// RecordAttempt implements datastore.DeadLetterStore.
func (s *Store) RecordAttempt(ctx context.Context, id int64, a datastore.ProcessingAttempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	const query = `
UPDATE
	dead_letter_event
SET
	processing_attempts = processing_attempts || $2::jsonb,
	last_processed_at = now()
WHERE
	id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, b)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
UPDATE
	dead_letter_event
SET
	error_history = error_history || $2::jsonb,
	retry_count = retry_count + 1,
	last_processed_at = now()
WHERE
	id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, b)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

// MarkResolved implements datastore.DeadLetterStore.
func (s *Store) MarkResolved(ctx context.Context, id int64, method string) error {
	const query = `
UPDATE
	dead_letter_event
SET
	resolved = TRUE,
	resolved_at = now(),
	resolution_method = $2,
	processing_lock = NULL,
	lock_expires_at = NULL
WHERE
	id = $1;`
	tag, err := s.pool.Exec(ctx, query, id, method)
	if err != nil {
		return fmt.Errorf("failed to mark resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

// ListUnresolved implements datastore.DeadLetterStore.
func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]datastore.DeadLetter, error) {
	const query = `
SELECT
	id, COALESCE(ingest_id, '00000000-0000-0000-0000-000000000000'::uuid),
	source, source_offset, source_inode, reason, payload,
	payload_checksum, retry_count, error_history, processing_attempts,
	resolved, resolved_at, COALESCE(resolution_method, ''),
	COALESCE(idempotency_key, ''), COALESCE(processing_lock, ''),
	lock_expires_at, priority, COALESCE(classification, ''),
	created_at, last_processed_at
FROM
	dead_letter_event
WHERE
	NOT resolved
ORDER BY
	priority DESC, id ASC
LIMIT $1;`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()
	var out []datastore.DeadLetter
	for rows.Next() {
		var (
			d        datastore.DeadLetter
			inode    int64
			checksum string
			errs     []byte
			attempts []byte
		)
		if err := rows.Scan(
			&d.ID, &d.IngestID, &d.Source, &d.SourceOffset, &inode,
			&d.Reason, &d.Payload, &checksum, &d.RetryCount, &errs,
			&attempts, &d.Resolved, &d.ResolvedAt, &d.ResolutionMethod,
			&d.IdempotencyKey, &d.ProcessingLock, &d.LockExpiresAt,
			&d.Priority, &d.Classification, &d.CreatedAt, &d.LastProcessedAt,
		); err != nil {
			return nil, err
		}
		d.SourceInode = uint64(inode)
		if dg, err := honeycore.ParseDigest(checksum); err == nil {
			d.PayloadChecksum = dg
		}
		if err := json.Unmarshal(errs, &d.ErrorHistory); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attempts, &d.ProcessingAttempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeadLetters implements datastore.DeadLetterStore.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, int64, error) {
	const query = `
SELECT
	count(*), count(*) FILTER (WHERE NOT resolved)
FROM
	dead_letter_event;`
	var total, unresolved int64
	err := s.pool.QueryRow(ctx, query).Scan(&total, &unresolved)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, err
	}
	return total, unresolved, nil
}
