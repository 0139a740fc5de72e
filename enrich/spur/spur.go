// Package spur queries the SPUR IP context API.
package spur

import (
	"bufio"
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
const DefaultRoot = `https://api.spur.us/v1/context/`

var (
	_ enrich.Provider   = (*Provider)(nil)
	_ enrich.Configurer = (*Provider)(nil)
)

// Provider looks up IP context.
type Provider struct {
	root  *url.URL
	token string
	c     *http.Client
}

// Config is the configuration accepted by the provider.
type Config struct {
	Root  *string `json:"root" yaml:"root"`
	Token string  `json:"token" yaml:"token"`
}

// Name implements enrich.Provider.
func (*Provider) Name() string { return "spur" }

// Kind implements enrich.Provider.
func (*Provider) Kind() enrich.Kind { return enrich.KindIP }

// Configure implements enrich.Configurer.
func (p *Provider) Configure(ctx context.Context, f enrich.ConfigUnmarshaler, c *http.Client) error {
	var cfg Config
	p.c = c
	if err := f(&cfg); err != nil {
		return err
	}
	p.token = cfg.Token
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
		Str("component", "enrich/spur/Provider.Configure").
		Str("root", u.String()).
		Msg("configured")
	return nil
}

// result is the projection stored for an IP. The upstream response is
// a fixed-position pipe-separated line:
//
//	organization|behavior,behavior|...|infrastructure|city|country
type result struct {
	Organization   string   `json:"organization,omitempty"`
	Behaviors      []string `json:"behaviors,omitempty"`
	Infrastructure string   `json:"infrastructure,omitempty"`
	City           string   `json:"city,omitempty"`
	Country        string   `json:"country,omitempty"`
}

// Lookup implements enrich.Provider.
func (p *Provider) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	u, err := p.root.Parse(ip)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.token != "" {
		req.Header.Set("Token", p.token)
	}
	res, err := p.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return nil, fmt.Errorf("spur: %w", err)
	}

	sc := bufio.NewScanner(res.Body)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("spur: failed to read response: %w", err)
		}
		return nil, nil
	}
	return json.Marshal(parseLine(sc.Text()))
}

func parseLine(line string) *result {
	fields := strings.Split(strings.TrimSpace(line), "|")
	at := func(i int) string {
		if i < len(fields) {
			return cowrie.SanitizeString(strings.TrimSpace(fields[i]))
		}
		return ""
	}
	out := &result{
		Organization:   at(0),
		Infrastructure: at(len(fields) - 3),
		City:           at(len(fields) - 2),
		Country:        at(len(fields) - 1),
	}
	if b := at(1); b != "" && len(fields) > 4 {
		for _, v := range strings.Split(b, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out.Behaviors = append(out.Behaviors, v)
			}
		}
	}
	return out
}
