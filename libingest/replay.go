package libingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/jsonline"
)

// lockTTL bounds how long a replay worker may sit on one dead letter
// before another worker is allowed to steal it.
const lockTTL = 5 * time.Minute

// ReplayMetrics summarizes one ReplayDeadLetters invocation.
type ReplayMetrics struct {
	Examined int64
	Skipped  int64
	Replayed int64
	Failed   int64
}

// ReplayDeadLetters re-runs up to limit unresolved dead letters through
// the ingestion pipeline. Rows locked by other workers are skipped,
// checksum mismatches and still-invalid payloads are recorded on the
// row and left unresolved, and successfully replayed rows are committed
// through the same batch path as live ingestion so the natural-key
// conflict handling absorbs duplicates.
func (l *Loader) ReplayDeadLetters(ctx context.Context, limit int) (ReplayMetrics, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libingest/Loader.ReplayDeadLetters")
	ctx, span := tracer.Start(ctx, "honeycore.dlq.replay")
	defer span.End()

	var m ReplayMetrics
	ds, err := l.opts.Store.ListUnresolved(ctx, limit)
	if err != nil {
		return m, err
	}
	worker := uuid.New()
	for i := range ds {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		d := &ds[i]
		m.Examined++
		switch err := l.opts.Store.AcquireLock(ctx, d.ID, worker, lockTTL); {
		case err == nil:
		case errors.Is(err, datastore.ErrLocked), errors.Is(err, datastore.ErrNotFound):
			m.Skipped++
			continue
		default:
			return m, err
		}
		if err := l.replayOne(ctx, d, worker, &m); err != nil {
			return m, err
		}
	}
	zlog.Info(ctx).
		Int64("examined", m.Examined).
		Int64("replayed", m.Replayed).
		Int64("failed", m.Failed).
		Int64("skipped", m.Skipped).
		Msg("dead letter replay complete")
	return m, nil
}

// replayOne processes one locked dead letter. Store errors abort the
// run; replay failures are recorded on the row and the lock released.
func (l *Loader) replayOne(ctx context.Context, d *datastore.DeadLetter, worker uuid.UUID, m *ReplayMetrics) error {
	ctx = zlog.ContextWithValues(ctx, "dead_letter", strconv.FormatInt(d.ID, 10))
	release := func() error {
		return l.opts.Store.ReleaseLock(ctx, d.ID, worker)
	}
	fail := func(start time.Time, errType, msg string) error {
		m.Failed++
		if err := l.opts.Store.RecordAttempt(ctx, d.ID, datastore.ProcessingAttempt{
			At:       start,
			Method:   "replay",
			Success:  false,
			Duration: time.Since(start).Seconds(),
		}); err != nil {
			return err
		}
		if err := l.opts.Store.RecordError(ctx, d.ID, datastore.ErrorRecord{
			At:        time.Now().UTC(),
			ErrorType: errType,
			Message:   msg,
		}); err != nil {
			return err
		}
		zlog.Debug(ctx).Str("error_type", errType).Msg("dead letter replay failed")
		return release()
	}

	start := time.Now().UTC()
	if !d.ChecksumOK() {
		return fail(start, "checksum_mismatch", "stored payload does not match its checksum")
	}

	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(d.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return fail(start, "decode", err.Error())
	}
	line := jsonline.Line{
		Payload: payload,
		Raw:     string(d.Payload),
		Offset:  d.SourceOffset,
	}
	p := l.prepare(line, sourcePos{
		ingestID: d.IngestID,
		source:   d.Source,
		inode:    d.SourceInode,
	})
	if p.invalid || p.raw == nil {
		return fail(start, "validation", "payload still fails validation")
	}

	// The event commits alone first: if the row already exists under
	// its natural key the session aggregates were counted at ingest
	// time and must not be counted again.
	res, err := l.opts.Store.CommitBatch(ctx, &datastore.Batch{
		Events: []datastore.RawEvent{*p.raw},
	})
	if err != nil {
		return fail(start, "commit", err.Error())
	}
	if res.EventsInserted > 0 {
		agg := newAggregator()
		agg.Add(p.event, d.Source, p.raw.RiskScore)
		batch := &datastore.Batch{
			Sessions:  agg.Deltas(),
			Sightings: agg.Sightings(),
		}
		l.populateSnapshots(ctx, batch.Sessions)
		if _, err := l.opts.Store.CommitBatch(ctx, batch); err != nil {
			return fail(start, "commit", err.Error())
		}
	}

	if err := l.opts.Store.RecordAttempt(ctx, d.ID, datastore.ProcessingAttempt{
		At:       start,
		Method:   "replay",
		Success:  true,
		Duration: time.Since(start).Seconds(),
	}); err != nil {
		return err
	}
	if err := l.opts.Store.MarkResolved(ctx, d.ID, "replayed"); err != nil {
		return err
	}
	m.Replayed++
	zlog.Debug(ctx).Msg("dead letter replayed")
	return nil
}
