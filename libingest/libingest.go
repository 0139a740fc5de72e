// Package libingest orchestrates honeypot log ingestion.
//
// Two entry points exist: LoadBulk for whole-file loads and LoadDelta
// for cursor-tracked incremental loads. Both stream a JSON-lines file
// through decode, sanitization, risk scoring and defanging, fold the
// events into per-session aggregates, and commit in batches; a batch
// and the session summaries derived from it commit in one transaction.
// LoadDelta additionally tracks a per-source cursor so repeated runs
// pick up where the last committed flush stopped, and detects file
// rotation and truncate-and-rewrite.
package libingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/internal/status"
)

var tracer = otel.Tracer("libingest")

// Checkpoint is the payload of the per-flush callback.
type Checkpoint struct {
	IngestID          uuid.UUID `json:"ingest_id"`
	Source            string    `json:"source"`
	Offset            int64     `json:"offset"`
	BatchIndex        int       `json:"batch_index"`
	EventsInserted    int64     `json:"events_inserted"`
	EventsQuarantined int64     `json:"events_quarantined"`
	Sessions          int64     `json:"sessions"`
}

// Metrics summarizes one loader invocation. Partial failures inside a
// run (bad lines, quarantined events, dropped dead letters) are
// reported here, not as errors.
type Metrics struct {
	IngestID           uuid.UUID
	EventsRead         int64
	EventsInserted     int64
	DuplicatesSkipped  int64
	EventsInvalid      int64
	EventsQuarantined  int64
	SessionsUpserted   int64
	DeadLettered       int64
	Batches            int
	BatchesQuarantined int
	Elapsed            time.Duration
}

// Opts configures a Loader.
type Opts struct {
	// Store receives batches, dead letters, and cursors.
	Store datastore.Store

	// BatchSize is the flush threshold. Defaults to 500.
	BatchSize int
	// QuarantineThreshold is the per-event risk score at or above
	// which an event is quarantined. Defaults to
	// cowrie.DefaultQuarantineThreshold.
	QuarantineThreshold int
	// BatchRiskThreshold is the summed risk at or above which a flush
	// counts as a quarantined batch. The batch still commits. Defaults
	// to 50 * QuarantineThreshold.
	BatchRiskThreshold int

	// Defang controls command neutralization. The zero value is
	// intelligent mode without original preservation; most callers
	// want cowrie.DefaultDefangConfig.
	Defang cowrie.DefangConfig

	// Pretty enables concatenated multi-line JSON parsing.
	Pretty bool

	// TelemetryEvery is the number of flushes between telemetry log
	// lines. Defaults to 10.
	TelemetryEvery int

	// Checkpoint, when non-nil, fires after every committed flush.
	Checkpoint func(Checkpoint)

	// Status, when non-nil, receives a status document after every
	// committed flush.
	Status *status.Emitter
}

func (o *Opts) parse() error {
	if o.Store == nil {
		return fmt.Errorf("libingest: no store provided")
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.QuarantineThreshold <= 0 {
		o.QuarantineThreshold = cowrie.DefaultQuarantineThreshold
	}
	if o.BatchRiskThreshold <= 0 {
		o.BatchRiskThreshold = 50 * o.QuarantineThreshold
	}
	if o.TelemetryEvery <= 0 {
		o.TelemetryEvery = 10
	}
	return nil
}

// Loader runs ingestion passes against one store.
type Loader struct {
	opts Opts
}

// New returns a Loader using the provided options.
func New(_ context.Context, opts *Opts) (*Loader, error) {
	if err := opts.parse(); err != nil {
		return nil, err
	}
	return &Loader{opts: *opts}, nil
}
