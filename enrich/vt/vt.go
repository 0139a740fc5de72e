// Package vt queries the VirusTotal v3 file endpoint.
package vt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/enrich"
	"github.com/quay/honeycore/internal/httputil"
)

// DefaultRoot is the production API root.
const DefaultRoot = `https://www.virustotal.com/api/v3/files/`

var (
	_ enrich.Provider   = (*Provider)(nil)
	_ enrich.Configurer = (*Provider)(nil)
)

// Provider looks up file hashes.
type Provider struct {
	root   *url.URL
	apiKey string
	c      *http.Client
}

// Config is the configuration accepted by the provider.
type Config struct {
	// Root overrides the API root URL.
	Root   *string `json:"root" yaml:"root"`
	APIKey string  `json:"api_key" yaml:"api_key"`
}

// Name implements enrich.Provider.
func (*Provider) Name() string { return "virustotal" }

// Kind implements enrich.Provider.
func (*Provider) Kind() enrich.Kind { return enrich.KindHash }

// Configure implements enrich.Configurer.
func (p *Provider) Configure(ctx context.Context, f enrich.ConfigUnmarshaler, c *http.Client) error {
	var cfg Config
	p.c = c
	if err := f(&cfg); err != nil {
		return err
	}
	p.apiKey = cfg.APIKey
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
		Str("component", "enrich/vt/Provider.Configure").
		Str("root", u.String()).
		Msg("configured")
	return nil
}

// result is the projection stored for a hash: the malicious verdict
// count and the suggested threat label.
type result struct {
	Malicious   int64  `json:"malicious"`
	ThreatLabel string `json:"threat_label,omitempty"`
}

// Lookup implements enrich.Provider.
func (p *Provider) Lookup(ctx context.Context, hash string) (json.RawMessage, error) {
	u, err := p.root.Parse(hash)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("x-apikey", p.apiKey)
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
		return nil, fmt.Errorf("vt: %w", err)
	}

	var body struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats struct {
					Malicious int64 `json:"malicious"`
				} `json:"last_analysis_stats"`
				PopularThreatClassification struct {
					SuggestedThreatLabel string `json:"suggested_threat_label"`
				} `json:"popular_threat_classification"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("vt: failed to decode response: %w", err)
	}
	return json.Marshal(&result{
		Malicious:   body.Data.Attributes.LastAnalysisStats.Malicious,
		ThreatLabel: cowrie.SanitizeString(body.Data.Attributes.PopularThreatClassification.SuggestedThreatLabel),
	})
}
