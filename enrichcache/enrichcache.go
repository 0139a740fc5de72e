// Package enrichcache is the three-tier cache in front of the external
// enrichment providers.
//
// Reads walk down the tiers: L1 (memory or Redis), then the relational
// enrichment_cache table, then the filesystem tree. A hit at any tier
// backfills every tier above it, so hot keys migrate toward L1. Writes
// go through to every enabled tier. A tier failing is never fatal; the
// failure is logged and counted and the lookup falls through.
package enrichcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/datastore"
)

// ErrNotFound is returned by Get when no tier holds the key.
var ErrNotFound = errors.New("enrichcache: not found")

// Enrichment services known to the cache. Used as TTL keys and as the
// first shard component of filesystem paths.
const (
	ServiceVT      = "virustotal"
	ServiceDShield = "dshield"
	ServiceURLHaus = "urlhaus"
	ServiceSPUR    = "spur"
	ServiceHIBP    = "hibp"
	ServiceIPClass = "ip_classification"
)

const day = 24 * time.Hour

// l2TTLs holds the per-service relational cache TTLs.
var l2TTLs = map[string]time.Duration{
	ServiceVT:      30 * day,
	ServiceDShield: 7 * day,
	ServiceURLHaus: 3 * day,
	ServiceSPUR:    7 * day,
	ServiceHIBP:    90 * day,
	ServiceIPClass: 7 * day,
}

const (
	defaultL2TTL = 30 * day
	defaultL1TTL = time.Hour
	l3TTL        = 30 * day
)

// ServiceTTL reports the relational-tier TTL for a service.
func ServiceTTL(service string) time.Duration {
	if ttl, ok := l2TTLs[service]; ok {
		return ttl
	}
	return defaultL2TTL
}

// l1TTLsByIPType holds the in-memory TTLs for classification results.
// Unstable types (TOR exits churn hourly, unknowns should be retried)
// get the short TTL.
var l1TTLsByIPType = map[string]time.Duration{
	"tor":         time.Hour,
	"cloud":       24 * time.Hour,
	"datacenter":  24 * time.Hour,
	"residential": 24 * time.Hour,
	"unknown":     time.Hour,
}

func l1TTL(service string, value json.RawMessage) time.Duration {
	if service != ServiceIPClass {
		return defaultL1TTL
	}
	var doc struct {
		IPType string `json:"ip_type"`
	}
	if err := json.Unmarshal(value, &doc); err == nil {
		if ttl, ok := l1TTLsByIPType[doc.IPType]; ok {
			return ttl
		}
	}
	return defaultL1TTL
}

// Opts configures a Cache. Any tier may be left nil and is then
// skipped on both paths.
type Opts struct {
	L1 Tier
	// L2 is the relational cache.
	L2 datastore.CacheStore
	// L3 is the filesystem cache.
	L3 *FS
}

// Cache is the tiered cache.
type Cache struct {
	l1 Tier
	l2 datastore.CacheStore
	l3 *FS
}

// New returns a Cache over the provided tiers.
func New(_ context.Context, opts *Opts) (*Cache, error) {
	if opts.L1 == nil && opts.L2 == nil && opts.L3 == nil {
		return nil, errors.New("enrichcache: no tiers configured")
	}
	return &Cache{l1: opts.L1, l2: opts.L2, l3: opts.L3}, nil
}

// Get returns the cached value for (service, key), consulting tiers in
// order and backfilling the ones above the hit.
func (c *Cache) Get(ctx context.Context, service, key string) (json.RawMessage, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enrichcache/Cache.Get")

	if c.l1 != nil {
		t := tierTimer("l1", "get")
		v, err := c.l1.Get(ctx, tierKey(service, key))
		t.ObserveDuration()
		switch {
		case err == nil:
			observeTier("l1", outcomeHit, nil)
			totalHits.Add(1)
			return v, nil
		case errors.Is(err, ErrNotFound):
			observeTier("l1", outcomeMiss, nil)
		default:
			observeTier("l1", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l1 read failed, falling through")
		}
	}

	if c.l2 != nil {
		t := tierTimer("l2", "get")
		v, err := c.l2.GetCache(ctx, service, key)
		t.ObserveDuration()
		switch {
		case err == nil:
			observeTier("l2", outcomeHit, nil)
			totalHits.Add(1)
			c.backfill(ctx, service, key, v, 2)
			return v, nil
		case errors.Is(err, datastore.ErrNotFound):
			observeTier("l2", outcomeMiss, nil)
		default:
			observeTier("l2", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l2 read failed, falling through")
		}
	}

	if c.l3 != nil {
		t := tierTimer("l3", "get")
		v, err := c.l3.Get(ctx, service, key)
		t.ObserveDuration()
		switch {
		case err == nil:
			observeTier("l3", outcomeHit, nil)
			totalHits.Add(1)
			c.backfill(ctx, service, key, v, 3)
			return v, nil
		case errors.Is(err, ErrNotFound):
			observeTier("l3", outcomeMiss, nil)
		default:
			observeTier("l3", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l3 read failed")
		}
	}

	totalMisses.Add(1)
	return nil, ErrNotFound
}

// Put writes the value through every enabled tier. Per-tier failures
// are counted and logged; Put never fails as a whole.
func (c *Cache) Put(ctx context.Context, service, key string, value json.RawMessage) {
	ctx = zlog.ContextWithValues(ctx, "component", "enrichcache/Cache.Put")
	if c.l1 != nil {
		t := tierTimer("l1", "put")
		err := c.l1.Set(ctx, tierKey(service, key), value, l1TTL(service, value))
		t.ObserveDuration()
		if err != nil {
			observeTier("l1", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l1 write failed")
		} else {
			observeTier("l1", outcomeStore, nil)
		}
	}
	if c.l2 != nil {
		t := tierTimer("l2", "put")
		err := c.l2.PutCache(ctx, service, key, value, ServiceTTL(service))
		t.ObserveDuration()
		if err != nil {
			observeTier("l2", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l2 write failed")
		} else {
			observeTier("l2", outcomeStore, nil)
		}
	}
	if c.l3 != nil {
		t := tierTimer("l3", "put")
		err := c.l3.Put(ctx, service, key, value)
		t.ObserveDuration()
		if err != nil {
			observeTier("l3", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l3 write failed")
		} else {
			observeTier("l3", outcomeStore, nil)
		}
	}
}

// backfill propagates a hit at the named tier into the tiers above it.
func (c *Cache) backfill(ctx context.Context, service, key string, value json.RawMessage, hitTier int) {
	if hitTier > 2 && c.l2 != nil {
		t := tierTimer("l2", "put")
		err := c.l2.PutCache(ctx, service, key, value, ServiceTTL(service))
		t.ObserveDuration()
		if err != nil {
			observeTier("l2", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l2 backfill failed")
		} else {
			observeTier("l2", outcomeStore, nil)
		}
	}
	if hitTier > 1 && c.l1 != nil {
		t := tierTimer("l1", "put")
		err := c.l1.Set(ctx, tierKey(service, key), value, l1TTL(service, value))
		t.ObserveDuration()
		if err != nil {
			observeTier("l1", outcomeError, err)
			zlog.Warn(ctx).Err(err).Msg("l1 backfill failed")
		} else {
			observeTier("l1", outcomeStore, nil)
		}
	}
}

// CleanupExpired deletes (or, with dryRun, counts) expired relational
// rows.
func (c *Cache) CleanupExpired(ctx context.Context, dryRun bool) (int64, error) {
	if c.l2 == nil {
		return 0, nil
	}
	return c.l2.CleanupExpired(ctx, dryRun)
}

func tierKey(service, key string) string {
	return service + ":" + key
}
