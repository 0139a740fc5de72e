package enrichcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Tier is the L1 interface. Implementations must be safe for
// concurrent use and report misses as ErrNotFound.
type Tier interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

// Memory is an in-process Tier. Expiry is checked on access; there is
// no background sweeper, so a Memory tier holding many one-shot keys
// should be bounded by the process lifetime, which matches how the
// loaders run.
type Memory struct {
	mu sync.RWMutex
	m  map[string]memEntry
}

type memEntry struct {
	value   json.RawMessage
	expires time.Time
}

// NewMemory returns an empty Memory tier.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]memEntry)}
}

// Get implements Tier.
func (c *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		// Reload under the write lock; another writer may have
		// refreshed the key.
		if cur, ok := c.m[key]; ok && time.Now().After(cur.expires) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.value, nil
}

// Set implements Tier.
func (c *Memory) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	c.mu.Lock()
	c.m[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}
