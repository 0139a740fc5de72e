// Package ipclass assigns source IPs to coarse infrastructure types.
//
// A Classifier holds a priority-ordered list of matchers: TOR exit
// list, per-provider cloud ranges, community datacenter ranges, and
// AS-name heuristics for residential networks. The first matcher that
// claims an IP wins; an unclaimed IP classifies as unknown with zero
// confidence so callers cache it briefly and retry after the next list
// refresh.
//
// List-backed matchers refresh themselves on demand when their data is
// older than their update interval. Matchers are not internally
// locked: share a loaded matcher freely for lookups, but serialize
// refreshes externally or use per-worker instances.
package ipclass

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/quay/honeycore"
)

// ErrNoMatch is returned by a Matcher that does not claim the IP.
var ErrNoMatch = errors.New("ipclass: no match")

var classifyCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "honeycore",
	Subsystem: "ipclass",
	Name:      "classifications_total",
	Help:      "Classifications, by resulting type.",
}, []string{"ip_type"})

// Query is one classification request. ASN and ASName are optional
// hints, typically projected from DShield enrichment.
type Query struct {
	Addr   netip.Addr
	ASN    *int64
	ASName string
}

// Match is a matcher's claim on an IP.
type Match struct {
	IPType     honeycore.IPType
	Provider   string
	Confidence float64
	Source     string
}

// Classification is the classifier's answer.
type Classification struct {
	IPType       honeycore.IPType `json:"ip_type"`
	Provider     string           `json:"provider,omitempty"`
	Confidence   float64          `json:"confidence"`
	Source       string           `json:"source,omitempty"`
	ClassifiedAt time.Time        `json:"classified_at"`
}

// Matcher is one classification source.
type Matcher interface {
	Name() string
	// Match claims or declines the query. A decline is ErrNoMatch;
	// any other error means the matcher could not answer.
	Match(q Query) (*Match, error)
	// Refresh reloads the matcher's data when it is stale. It must be
	// cheap to call when the data is fresh.
	Refresh(ctx context.Context) error
}

// Classifier runs the priority-ordered matcher list.
type Classifier struct {
	matchers []Matcher
}

// New returns a Classifier over the matchers, in priority order.
func New(matchers ...Matcher) *Classifier {
	return &Classifier{matchers: matchers}
}

// Default returns a Classifier with the standard matcher stack: TOR,
// cloud, datacenter, residential. The cacheDir holds downloaded lists
// across runs.
func Default(cacheDir string) *Classifier {
	return New(
		NewTOR(cacheDir),
		NewCloud(cacheDir),
		NewDatacenter(cacheDir),
		NewResidential(),
	)
}

// Warm refreshes every matcher concurrently. Errors out of matchers
// that have no prior data propagate; matchers holding stale data keep
// it and the error is logged by the matcher itself.
func (c *Classifier) Warm(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "ipclass/Classifier.Warm")
	eg, ectx := errgroup.WithContext(ctx)
	for _, m := range c.matchers {
		m := m
		eg.Go(func() error {
			if err := m.Refresh(ectx); err != nil {
				return fmt.Errorf("matcher %q: %w", m.Name(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Classify answers for one IP. The same inputs always yield the same
// (type, provider, confidence, source) for a given set of loaded
// lists.
func (c *Classifier) Classify(ctx context.Context, q Query) (Classification, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "ipclass/Classifier.Classify")
	if !q.Addr.IsValid() {
		return Classification{}, fmt.Errorf("ipclass: invalid address")
	}
	for _, m := range c.matchers {
		// A matcher that cannot load any data is skipped rather than
		// sinking the whole classification; Warm is the place where
		// load failures are fatal.
		if err := m.Refresh(ctx); err != nil {
			zlog.Warn(ctx).
				Err(err).
				Str("matcher", m.Name()).
				Msg("matcher has no data, skipping")
			continue
		}
		match, err := m.Match(q)
		switch {
		case errors.Is(err, ErrNoMatch):
			continue
		case err != nil:
			zlog.Warn(ctx).
				Err(err).
				Str("matcher", m.Name()).
				Msg("matcher failed, trying next")
			continue
		}
		classifyCounter.WithLabelValues(match.IPType.String()).Inc()
		return Classification{
			IPType:       match.IPType,
			Provider:     match.Provider,
			Confidence:   match.Confidence,
			Source:       match.Source,
			ClassifiedAt: time.Now().UTC(),
		}, nil
	}
	classifyCounter.WithLabelValues(honeycore.IPUnknown.String()).Inc()
	return Classification{
		IPType:       honeycore.IPUnknown,
		Confidence:   0.0,
		ClassifiedAt: time.Now().UTC(),
	}, nil
}
