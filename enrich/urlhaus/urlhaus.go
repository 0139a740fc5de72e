// Package urlhaus queries the abuse.ch URLHaus lookup API.
package urlhaus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/enrich"
	"github.com/quay/honeycore/internal/httputil"
)

// DefaultRoot is the production API root.
const DefaultRoot = `https://urlhaus-api.abuse.ch/v1/url/`

var (
	_ enrich.Provider   = (*Provider)(nil)
	_ enrich.Configurer = (*Provider)(nil)
)

// Provider looks up download URLs.
type Provider struct {
	root *url.URL
	c    *http.Client
}

// Config is the configuration accepted by the provider.
type Config struct {
	Root *string `json:"root" yaml:"root"`
}

// Name implements enrich.Provider.
func (*Provider) Name() string { return "urlhaus" }

// Kind implements enrich.Provider.
func (*Provider) Kind() enrich.Kind { return enrich.KindURL }

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
		Str("component", "enrich/urlhaus/Provider.Configure").
		Str("root", u.String()).
		Msg("configured")
	return nil
}

// result is the projection stored for a URL.
type result struct {
	Status string   `json:"status,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Lookup implements enrich.Provider.
func (p *Provider) Lookup(ctx context.Context, target string) (json.RawMessage, error) {
	form := url.Values{"url": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.root.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := p.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return nil, fmt.Errorf("urlhaus: %w", err)
	}

	var body struct {
		QueryStatus string   `json:"query_status"`
		URLStatus   string   `json:"url_status"`
		Tags        []string `json:"tags"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("urlhaus: failed to decode response: %w", err)
	}
	if body.QueryStatus != "ok" {
		return nil, nil
	}
	out := result{Status: cowrie.SanitizeString(body.URLStatus)}
	for _, tag := range body.Tags {
		out.Tags = append(out.Tags, cowrie.SanitizeString(tag))
	}
	return json.Marshal(&out)
}
