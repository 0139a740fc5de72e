// Package enrich fans lookups out to external threat-intelligence
// providers, mediated through the tiered cache.
//
// Providers are small plugins: each knows how to query one service and
// project its response down to the fields the pipeline uses. The
// Service wraps every provider call in a per-service rate limiter and
// a circuit breaker, so one misbehaving service cannot stall or fail
// an enrichment pass.
package enrich

import (
	"context"
	"encoding/json"
	"net/http"
)

// Kind is the input a provider consumes.
type Kind string

const (
	// KindIP providers look up a source IP address.
	KindIP Kind = "ip"
	// KindHash providers look up a file hash.
	KindHash Kind = "hash"
	// KindURL providers look up a download URL.
	KindURL Kind = "url"
	// KindPassword providers look up a credential hash.
	KindPassword Kind = "password"
)

// ConfigUnmarshaler deserializes a provider's configuration subsection
// into the provided struct.
type ConfigUnmarshaler func(v any) error

// Provider queries one external service.
//
// Lookup returns the provider's projected result document for a key.
// A nil document with a nil error means the service knows nothing
// about the key; that is not an error and is cached like any result.
type Provider interface {
	Name() string
	Kind() Kind
	Lookup(ctx context.Context, key string) (json.RawMessage, error)
}

// Configurer is implemented by providers that accept configuration.
// The Service calls it once before first use.
type Configurer interface {
	Configure(ctx context.Context, f ConfigUnmarshaler, c *http.Client) error
}
