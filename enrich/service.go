package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/enrichcache"
)

var tracer = otel.Tracer("enrich")

var providerCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "honeycore",
	Subsystem: "enrich",
	Name:      "lookups_total",
	Help:      "Provider lookups, by provider and outcome.",
}, []string{"provider", "outcome"})

// Opts configures a Service.
type Opts struct {
	Providers []Provider
	// Cache fronts every provider call. Required.
	Cache *enrichcache.Cache
	// Inventory, when non-nil, receives the merged per-IP document
	// after each IP enrichment.
	Inventory datastore.InventoryStore
	// Sessions, when non-nil, enables EnrichSessions.
	Sessions datastore.SessionEnrichStore

	// RatePerMinute is the per-provider token budget. Unlisted
	// providers default to 60 tokens per minute.
	RatePerMinute map[string]int
	// Concurrency bounds the fan-out. Defaults to 4.
	Concurrency int
	// Client is used to configure providers. Defaults to a client
	// with a 30 second timeout.
	Client *http.Client
	// Config holds per-provider configuration subsections, keyed by
	// provider name.
	Config map[string]ConfigUnmarshaler
}

// Service runs enrichment fan-outs.
type Service struct {
	providers   []Provider
	cache       *enrichcache.Cache
	inventory   datastore.InventoryStore
	sessions    datastore.SessionEnrichStore
	limiters    map[string]*rate.Limiter
	breakers    map[string]*gobreaker.CircuitBreaker
	concurrency int
}

// New configures the providers and returns a ready Service.
func New(ctx context.Context, opts *Opts) (*Service, error) {
	if opts.Cache == nil {
		return nil, errors.New("enrich: no cache provided")
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("enrich: no providers configured")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	s := &Service{
		providers:   opts.Providers,
		cache:       opts.Cache,
		inventory:   opts.Inventory,
		sessions:    opts.Sessions,
		limiters:    make(map[string]*rate.Limiter, len(opts.Providers)),
		breakers:    make(map[string]*gobreaker.CircuitBreaker, len(opts.Providers)),
		concurrency: concurrency,
	}
	for _, p := range opts.Providers {
		name := p.Name()
		perMin := opts.RatePerMinute[name]
		if perMin <= 0 {
			perMin = 60
		}
		s.limiters[name] = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		s.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: time.Minute,
		})
		if c, ok := p.(Configurer); ok {
			f := opts.Config[name]
			if f == nil {
				f = func(any) error { return nil }
			}
			if err := c.Configure(ctx, f, client); err != nil {
				return nil, fmt.Errorf("failed to configure provider %q: %w", name, err)
			}
		}
	}
	return s, nil
}

// Result is one merged enrichment outcome.
type Result struct {
	// Doc maps provider name to that provider's projected result.
	// Failed or empty providers are absent.
	Doc map[string]json.RawMessage
	// VTFlagged is set when VirusTotal reports any malicious
	// analysis verdicts.
	VTFlagged bool
	// DShieldFlagged is set when DShield reports attack activity for
	// the IP.
	DShieldFlagged bool
	// BreachCount is the number of times a credential appeared in
	// known breaches, per Have I Been Pwned.
	BreachCount int64
}

// Merged returns the result document as one JSON object.
func (r *Result) Merged() (json.RawMessage, error) {
	return json.Marshal(r.Doc)
}

// EnrichIP fans the IP out to every IP-kind provider and merges the
// results. Provider failures are counted and omitted; EnrichIP fails
// only on context cancellation. Local classification runs after the
// remote fan-out so it can see the AS details the remote services
// reported.
//
// When an inventory store is configured, the merged document is
// written back to ip_inventory along with the projected ASN.
func (s *Service) EnrichIP(ctx context.Context, ip string) (*Result, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enrich/Service.EnrichIP")
	res, err := s.fanout(ctx, KindIP, func(Kind) string { return ip })
	if err != nil {
		return nil, err
	}
	res.DShieldFlagged = dshieldFlagged(res.Doc[enrichcache.ServiceDShield])
	s.classify(ctx, res, ip)

	if s.inventory != nil && len(res.Doc) > 0 {
		doc, err := res.Merged()
		if err != nil {
			return res, err
		}
		asn := datastore.CurrentASN(doc)
		if err := s.inventory.UpdateEnrichment(ctx, ip, doc, asn); err != nil {
			zlog.Warn(ctx).Err(err).Str("ip", ip).Msg("inventory write-back failed")
		}
	}
	return res, nil
}

// EnrichFile fans a downloaded file out to the hash and URL providers.
// The url may be empty, in which case URL-kind providers are skipped.
func (s *Service) EnrichFile(ctx context.Context, hash, url string) (*Result, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enrich/Service.EnrichFile")
	res, err := s.fanout(ctx, KindHash, func(k Kind) string {
		if k == KindURL {
			return url
		}
		return hash
	}, KindURL)
	if err != nil {
		return nil, err
	}
	res.VTFlagged = vtFlagged(res.Doc[enrichcache.ServiceVT])
	return res, nil
}

// EnrichPassword fans a captured credential out to the password-kind
// providers.
func (s *Service) EnrichPassword(ctx context.Context, password string) (*Result, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enrich/Service.EnrichPassword")
	res, err := s.fanout(ctx, KindPassword, func(Kind) string { return password })
	if err != nil {
		return nil, err
	}
	res.BreachCount = breachCount(res.Doc[enrichcache.ServiceHIBP])
	return res, nil
}

// classify runs the local classifier once the remote lookups are in,
// feeding it the AS details they reported. The hints let the
// residential heuristics fire on addresses the prefix lists miss.
func (s *Service) classify(ctx context.Context, res *Result, ip string) {
	var c *IPClassifier
	for _, p := range s.providers {
		if ipc, ok := p.(*IPClassifier); ok {
			c = ipc
			break
		}
	}
	if c == nil {
		return
	}
	asn, asName := asHints(res.Doc)
	doc, err := s.lookup(ctx, c.Name(), ip, func(ctx context.Context) (json.RawMessage, error) {
		return c.lookupHinted(ctx, ip, asn, asName)
	})
	if err != nil {
		zlog.Warn(ctx).
			Err(err).
			Str("provider", c.Name()).
			Msg("classification failed, omitting result")
		return
	}
	if len(doc) != 0 {
		res.Doc[c.Name()] = doc
	}
}

// asHints pulls the AS number and name out of the merged document.
// DShield is authoritative; SPUR's organization stands in for a
// missing AS name.
func asHints(doc map[string]json.RawMessage) (*int64, string) {
	var asn *int64
	var name string
	if d := doc[enrichcache.ServiceDShield]; len(d) != 0 {
		var v struct {
			ASName string `json:"asname"`
			ASNum  *int64 `json:"asnum"`
		}
		if json.Unmarshal(d, &v) == nil {
			asn, name = v.ASNum, v.ASName
		}
	}
	if name == "" {
		if d := doc[enrichcache.ServiceSPUR]; len(d) != 0 {
			var v struct {
				Organization string `json:"organization"`
			}
			if json.Unmarshal(d, &v) == nil {
				name = v.Organization
			}
		}
	}
	return asn, name
}

// fanout runs every provider of the given kinds concurrently. keyFor
// maps a provider kind to its lookup key; an empty key skips the
// provider.
func (s *Service) fanout(ctx context.Context, kind Kind, keyFor func(Kind) string, more ...Kind) (*Result, error) {
	ctx, span := tracer.Start(ctx, "honeycore.enrich.lookup")
	defer span.End()

	kinds := append([]Kind{kind}, more...)
	wanted := func(k Kind) bool {
		for _, w := range kinds {
			if w == k {
				return true
			}
		}
		return false
	}

	res := &Result{Doc: make(map[string]json.RawMessage)}
	docs := make([]json.RawMessage, len(s.providers))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for i, p := range s.providers {
		if !wanted(p.Kind()) {
			continue
		}
		// Classification runs after the fan-out, seeded with the AS
		// details the remote services reported.
		if _, ok := p.(*IPClassifier); ok {
			continue
		}
		key := keyFor(p.Kind())
		if key == "" {
			continue
		}
		i, p := i, p
		eg.Go(func() error {
			doc, err := s.lookup(ectx, p.Name(), key, func(ctx context.Context) (json.RawMessage, error) {
				return p.Lookup(ctx, key)
			})
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				// One provider down must not fail the pass.
				zlog.Warn(ectx).
					Err(err).
					Str("provider", p.Name()).
					Msg("provider lookup failed, omitting result")
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i, p := range s.providers {
		if len(docs[i]) != 0 {
			res.Doc[p.Name()] = docs[i]
		}
	}
	return res, nil
}

// lookup resolves one (provider, key) through the cache, falling back
// to a rate-limited, breaker-guarded provider call.
func (s *Service) lookup(ctx context.Context, name, key string, call func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if v, err := s.cache.Get(ctx, name, key); err == nil {
		providerCounter.WithLabelValues(name, "cached").Inc()
		return v, nil
	} else if !errors.Is(err, enrichcache.ErrNotFound) {
		return nil, err
	}

	if err := s.limiters[name].Wait(ctx); err != nil {
		return nil, err
	}
	v, err := s.breakers[name].Execute(func() (any, error) {
		return call(ctx)
	})
	if err != nil {
		providerCounter.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	doc, _ := v.(json.RawMessage)
	providerCounter.WithLabelValues(name, "ok").Inc()
	if len(doc) != 0 {
		s.cache.Put(ctx, name, key, doc)
	}
	return doc, nil
}

func vtFlagged(doc json.RawMessage) bool {
	if len(doc) == 0 {
		return false
	}
	var v struct {
		Malicious int64 `json:"malicious"`
	}
	return json.Unmarshal(doc, &v) == nil && v.Malicious > 0
}

func dshieldFlagged(doc json.RawMessage) bool {
	if len(doc) == 0 {
		return false
	}
	var d struct {
		Count   int64 `json:"count"`
		Attacks int64 `json:"attacks"`
	}
	return json.Unmarshal(doc, &d) == nil && (d.Attacks > 0 || d.Count > 0)
}

func breachCount(doc json.RawMessage) int64 {
	if len(doc) == 0 {
		return 0
	}
	var v struct {
		Seen int64 `json:"seen"`
	}
	if json.Unmarshal(doc, &v) != nil {
		return 0
	}
	return v.Seen
}
