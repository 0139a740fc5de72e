package libingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/internal/status"
	"github.com/quay/honeycore/jsonline"
)

// run is the gather/flush loop shared by the bulk and delta entry
// points. When cur is non-nil, lines at or below cur.LastOffset are
// skipped and the cursor is committed with every flush.
func (l *Loader) run(ctx context.Context, rd *jsonline.Reader, pos sourcePos, cur *datastore.Cursor, phase string) (*Metrics, error) {
	m := &Metrics{IngestID: pos.ingestID}
	start := time.Now()
	defer func() { m.Elapsed = time.Since(start) }()

	var (
		events     []datastore.RawEvent
		deads      []datastore.DeadLetter
		agg        = newAggregator()
		batchRisk  int
		lastOffset = int64(-1)
		dl         status.DeadLetter
	)
	if cur != nil {
		lastOffset = cur.LastOffset
	}

	flush := func() error {
		if len(events) == 0 && len(deads) == 0 && len(agg.sessions) == 0 {
			return nil
		}
		fctx, span := tracer.Start(ctx, "honeycore."+phase+".flush")
		defer span.End()
		timer := time.Now()

		deltas := agg.Deltas()
		l.populateSnapshots(fctx, deltas)
		batch := &datastore.Batch{
			Events:    events,
			Sessions:  deltas,
			Sightings: agg.Sightings(),
		}
		if cur != nil {
			cur.LastOffset = lastOffset
			cur.LastIngestID = pos.ingestID
			cur.Inode = pos.inode
			cur.Generation = pos.generation
			c := *cur
			batch.Cursor = &c
		}
		res, err := l.opts.Store.CommitBatch(fctx, batch)
		if err != nil {
			batchCounter.WithLabelValues("error").Inc()
			return fmt.Errorf("flush failed: %w", err)
		}
		flushDuration.Observe(time.Since(timer).Seconds())

		var quarantined int64
		for i := range events {
			if events[i].Quarantined {
				quarantined++
			}
		}
		m.EventsInserted += res.EventsInserted
		m.DuplicatesSkipped += res.DuplicatesSkipped
		m.SessionsUpserted += res.SessionsUpserted
		m.EventsQuarantined += quarantined
		eventCounter.WithLabelValues(dispositionInserted).Add(float64(res.EventsInserted))
		eventCounter.WithLabelValues(dispositionDuplicate).Add(float64(res.DuplicatesSkipped))
		eventCounter.WithLabelValues(dispositionQuarantined).Add(float64(quarantined))

		if len(deads) > 0 {
			n, err := l.opts.Store.InsertDeadLetters(fctx, deads)
			if err != nil {
				zlog.Warn(fctx).Err(err).Msg("dead letter insert failed")
			}
			m.DeadLettered += n
			last := &deads[len(deads)-1]
			dl.Total += n
			dl.LastReason = last.Reason
			dl.LastSource = last.Source
			dl.LastUpdated = time.Now().UTC()
		}

		outcome := "committed"
		if batchRisk >= l.opts.BatchRiskThreshold {
			m.BatchesQuarantined++
			outcome = "quarantined"
		}
		batchCounter.WithLabelValues(outcome).Inc()
		m.Batches++

		cp := Checkpoint{
			IngestID:          pos.ingestID,
			Source:            pos.source,
			Offset:            lastOffset,
			BatchIndex:        m.Batches - 1,
			EventsInserted:    res.EventsInserted,
			EventsQuarantined: quarantined,
			Sessions:          res.SessionsUpserted,
		}
		if l.opts.Checkpoint != nil {
			l.opts.Checkpoint(cp)
		}
		if l.opts.Status != nil {
			doc := status.Document{
				Phase:    phase,
				IngestID: pos.ingestID.String(),
				Metrics: map[string]any{
					"events_read":        m.EventsRead,
					"events_inserted":    m.EventsInserted,
					"events_invalid":     m.EventsInvalid,
					"events_quarantined": m.EventsQuarantined,
					"duplicates_skipped": m.DuplicatesSkipped,
					"sessions":           m.SessionsUpserted,
					"batches":            m.Batches,
				},
				Checkpoint: cp,
			}
			if dl.Total > 0 {
				d := dl
				doc.DeadLetter = &d
			}
			if err := l.opts.Status.Write(fctx, doc); err != nil {
				zlog.Warn(fctx).Err(err).Msg("status update failed")
			}
		}
		if m.Batches%l.opts.TelemetryEvery == 0 {
			zlog.Info(fctx).
				Str("source", pos.source).
				Int("batches", m.Batches).
				Int64("events_read", m.EventsRead).
				Int64("events_inserted", m.EventsInserted).
				Int64("quarantined", m.EventsQuarantined).
				Msg("ingest progress")
		}

		events = events[:0]
		deads = deads[:0]
		agg = newAggregator()
		batchRisk = 0
		return nil
	}

	for {
		line, err := rd.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			if err := flush(); err != nil {
				return m, err
			}
			zlog.Info(ctx).
				Str("source", pos.source).
				Int64("events_read", m.EventsRead).
				Int64("events_inserted", m.EventsInserted).
				Int64("events_invalid", m.EventsInvalid).
				Int64("events_quarantined", m.EventsQuarantined).
				Int64("dead_lettered", m.DeadLettered).
				Msg("ingest complete")
			return m, nil
		case err != nil:
			// Commit what gathered cleanly before surfacing the read
			// error; the cursor then reflects only committed work.
			if ferr := flush(); ferr != nil {
				return m, errors.Join(err, ferr)
			}
			return m, err
		}
		if cur != nil && line.Offset <= cur.LastOffset {
			continue
		}
		m.EventsRead++
		p := l.prepare(line, pos)
		if cur != nil && line.Offset == 0 {
			cur.FirstHash = lineHash(p, line)
		}
		switch {
		case p.invalid:
			m.EventsInvalid++
			eventCounter.WithLabelValues(dispositionInvalid).Inc()
		default:
			events = append(events, *p.raw)
			agg.Add(p.event, pos.source, p.raw.RiskScore)
			batchRisk += p.raw.RiskScore
		}
		lastOffset = line.Offset
		if p.dead != nil {
			deads = append(deads, *p.dead)
		}
		if len(events) >= l.opts.BatchSize {
			if err := flush(); err != nil {
				return m, err
			}
		}
	}
}

// lineHash is the identity of a line for rewrite detection: the
// processed payload hash when the line decoded, a digest of the raw
// text otherwise.
func lineHash(p prepared, line jsonline.Line) honeycore.Digest {
	if p.raw != nil {
		return p.raw.PayloadHash
	}
	return honeycore.DigestBytes([]byte(line.Raw))
}
