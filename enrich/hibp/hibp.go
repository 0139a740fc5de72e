// Package hibp queries the Have I Been Pwned password range API.
//
// The API takes the first five hex characters of an SHA-1 password
// hash and returns every known suffix with its breach count, so the
// full hash never crosses the wire.
package hibp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/enrich"
	"github.com/quay/honeycore/internal/httputil"
)

// DefaultRoot is the production API root.
const DefaultRoot = `https://api.pwnedpasswords.com/range/`

var (
	_ enrich.Provider   = (*Provider)(nil)
	_ enrich.Configurer = (*Provider)(nil)
)

// Provider looks up SHA-1 password hashes.
type Provider struct {
	root *url.URL
	c    *http.Client
}

// Config is the configuration accepted by the provider.
type Config struct {
	Root *string `json:"root" yaml:"root"`
}

// Name implements enrich.Provider.
func (*Provider) Name() string { return "hibp" }

// Kind implements enrich.Provider.
func (*Provider) Kind() enrich.Kind { return enrich.KindPassword }

// Configure implements enrich.Configurer.
func (p *Provider) Configure(ctx context.Context, f enrich.ConfigUnmarshaler, c *http.Client) error {
	var cfg Config
	p.c = c
	if err := f(&cfg); err != nil {
		return err
	}
	root := DefaultRoot
	if cfg.Root != nil {
		root = *cfg.Root
	}
	u, err := url.Parse(root)
	if err != nil {
		return err
	}
	p.root = u
	zlog.Debug(ctx).
		Str("component", "enrich/hibp/Provider.Configure").
		Str("root", u.String()).
		Msg("configured")
	return nil
}

// result is the projection stored for a hash.
type result struct {
	Seen int64 `json:"seen"`
}

// Lookup implements enrich.Provider. The key is the full 40-character
// hex SHA-1 of the password.
func (p *Provider) Lookup(ctx context.Context, hash string) (json.RawMessage, error) {
	hash = strings.ToUpper(strings.TrimSpace(hash))
	if len(hash) != 40 {
		return nil, fmt.Errorf("hibp: key %q is not an SHA-1 hex digest", hash)
	}
	prefix, suffix := hash[:5], hash[5:]
	u, err := p.root.Parse(prefix)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := p.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return nil, fmt.Errorf("hibp: %w", err)
	}

	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, suffix+":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			continue
		}
		return json.Marshal(&result{Seen: n})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hibp: failed to read response: %w", err)
	}
	return json.Marshal(&result{Seen: 0})
}
