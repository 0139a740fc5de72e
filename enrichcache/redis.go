package enrichcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Tier backed by a Redis server, for deployments where
// several loader processes share one L1.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the addressed server and verifies it responds.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %q: %w", addr, err)
	}
	return &Redis{client: client, prefix: "honeycore:"}, nil
}

// Get implements Tier.
func (c *Redis) Get(ctx context.Context, key string) (json.RawMessage, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

// Set implements Tier.
func (c *Redis) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, []byte(value), ttl).Err()
}

// Close releases the client.
func (c *Redis) Close() error {
	return c.client.Close()
}
