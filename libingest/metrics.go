package libingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "honeycore",
		Subsystem: "loader",
		Name:      "events_total",
		Help:      "Events processed, by disposition.",
	}, []string{"disposition"})

	batchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "honeycore",
		Subsystem: "loader",
		Name:      "batches_total",
		Help:      "Batches committed, by outcome.",
	}, []string{"outcome"})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "honeycore",
		Subsystem: "loader",
		Name:      "flush_duration_seconds",
		Help:      "Time spent committing one batch.",
	})
)

// Event dispositions.
const (
	dispositionInserted    = "inserted"
	dispositionDuplicate   = "duplicate"
	dispositionInvalid     = "invalid"
	dispositionQuarantined = "quarantined"
)
