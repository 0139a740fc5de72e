// Package dshield queries the SANS DShield IP reputation API.
package dshield

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/enrich"
	"github.com/quay/honeycore/internal/httputil"
)

// DefaultRoot is the production API root.
const DefaultRoot = `https://isc.sans.edu/api/ip/`

var (
	_ enrich.Provider   = (*Provider)(nil)
	_ enrich.Configurer = (*Provider)(nil)
)

// Provider looks up IP reputation.
type Provider struct {
	root *url.URL
	c    *http.Client
}

// Config is the configuration accepted by the provider.
type Config struct {
	Root *string `json:"root" yaml:"root"`
}

// Name implements enrich.Provider.
func (*Provider) Name() string { return "dshield" }

// Kind implements enrich.Provider.
func (*Provider) Kind() enrich.Kind { return enrich.KindIP }

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
		Str("component", "enrich/dshield/Provider.Configure").
		Str("root", u.String()).
		Msg("configured")
	return nil
}

// result is the projection stored for an IP.
type result struct {
	Count     int64  `json:"count"`
	Attacks   int64  `json:"attacks"`
	ASName    string `json:"asname,omitempty"`
	ASCountry string `json:"ascountry,omitempty"`
	ASNum     *int64 `json:"asnum,omitempty"`
}

// Lookup implements enrich.Provider.
func (p *Provider) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	u, err := p.root.Parse(ip + "?json")
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
		return nil, fmt.Errorf("dshield: %w", err)
	}

	// The API reports numbers as numbers or quoted strings depending
	// on the field's history; flexInt absorbs both.
	var body struct {
		IP struct {
			Count     flexInt `json:"count"`
			Attacks   flexInt `json:"attacks"`
			ASName    string  `json:"asname"`
			ASCountry string  `json:"ascountry"`
			ASNum     flexInt `json:"asnum"`
		} `json:"ip"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("dshield: failed to decode response: %w", err)
	}
	out := result{
		Count:     int64(body.IP.Count),
		Attacks:   int64(body.IP.Attacks),
		ASName:    cowrie.SanitizeString(body.IP.ASName),
		ASCountry: body.IP.ASCountry,
	}
	if body.IP.ASNum != 0 {
		n := int64(body.IP.ASNum)
		out.ASNum = &n
	}
	return json.Marshal(&out)
}

type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	s := string(b)
	if s[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}
