package enrichcache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tierCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "honeycore",
		Subsystem: "enrichcache",
		Name:      "operations_total",
		Help:      "Cache tier operations, by tier and outcome.",
	}, []string{"tier", "outcome"})
	tierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "honeycore",
		Subsystem: "enrichcache",
		Name:      "operation_duration_seconds",
		Help:      "Cache tier operation duration, by tier and operation.",
	}, []string{"tier", "op"})
)

const (
	outcomeHit   = "hit"
	outcomeMiss  = "miss"
	outcomeStore = "store"
	outcomeError = "error"
)

// Package-wide counters back the HitRate convenience used in
// telemetry summaries; the prometheus collectors carry the per-tier
// breakdown.
var (
	totalHits   atomic.Int64
	totalMisses atomic.Int64
)

func observeTier(tier, outcome string, _ error) {
	tierCounter.WithLabelValues(tier, outcome).Inc()
}

func tierTimer(tier, op string) *prometheus.Timer {
	return prometheus.NewTimer(tierLatency.WithLabelValues(tier, op))
}

// HitRate reports the overall hit rate across tiers since process
// start. It is 0 when nothing has been looked up.
func HitRate() float64 {
	h, m := totalHits.Load(), totalMisses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
