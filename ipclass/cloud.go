package ipclass

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
)

// Cloud providers with published range lists.
var CloudProviders = []string{"aws", "azure", "gcp", "cloudflare"}

var _ Matcher = (*Cloud)(nil)

// Cloud matches published cloud provider address ranges, loaded from
// per-provider CSVs with header `ip_prefix,region,service`. The list
// URLs are deployment configuration; every deployment mirrors the
// providers' published ranges into this format. Ranges move slowly, so
// the lists refresh daily.
type Cloud struct {
	state refreshState
	urls  map[string]string
	v4    prefixTrie
	v6    prefixTrie
}

// NewCloud returns a Cloud matcher caching under cacheDir. List URLs
// are registered with SetURL before first use.
func NewCloud(cacheDir string) *Cloud {
	return &Cloud{
		state: newRefreshState(cacheDir, 24*time.Hour),
		urls:  make(map[string]string, len(CloudProviders)),
	}
}

// SetURL registers one provider's list URL.
func (m *Cloud) SetURL(provider, url string) { m.urls[provider] = url }

// Name implements Matcher.
func (*Cloud) Name() string { return "cloud" }

// Match implements Matcher.
func (m *Cloud) Match(q Query) (*Match, error) {
	if m.v4.Len() == 0 && m.v6.Len() == 0 {
		return nil, fmt.Errorf("cloud: no ranges loaded")
	}
	t := &m.v4
	if q.Addr.Is6() && !q.Addr.Is4In6() {
		t = &m.v6
	}
	provider, ok := t.Lookup(q.Addr.Unmap())
	if !ok {
		return nil, ErrNoMatch
	}
	return &Match{
		IPType:     honeycore.IPCloud,
		Provider:   provider,
		Confidence: 0.99,
		Source:     "cloud_ranges_" + provider,
	}, nil
}

// Refresh implements Matcher. Providers refresh independently: as long
// as at least one provider's list loads, the matcher is usable and the
// failures are logged.
func (m *Cloud) Refresh(ctx context.Context) error {
	if m.state.fresh() {
		return nil
	}
	ctx = zlog.ContextWithValues(ctx, "component", "ipclass/Cloud.Refresh")

	if len(m.urls) == 0 {
		return fmt.Errorf("cloud: no list URLs configured")
	}
	var v4, v6 prefixTrie
	var loaded, failed int
	for provider, url := range m.urls {
		name := "cloud_" + provider + ".csv"
		path, err := m.state.download(ctx, url, name)
		if err != nil {
			// A stale cached copy is better than a hole in the
			// ranges.
			if cached, _, ok := m.state.cachedFile(name); ok {
				path = cached
			} else {
				zlog.Warn(ctx).Err(err).Str("provider", provider).Msg("cloud list unavailable")
				failed++
				continue
			}
		}
		n, err := loadRangeCSV(path, provider, &v4, &v6, 0)
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("provider", provider).Msg("cloud list unusable")
			failed++
			continue
		}
		zlog.Debug(ctx).Str("provider", provider).Int("prefixes", n).Msg("cloud ranges loaded")
		loaded++
	}

	switch {
	case loaded > 0:
		m.v4, m.v6 = v4, v6
		m.state.loaded = true
		m.state.lastUpdate = time.Now()
		zlog.Info(ctx).
			Int("providers", loaded).
			Int("failed", failed).
			Int("prefixes", v4.Len()+v6.Len()).
			Msg("cloud ranges refreshed")
		return nil
	case m.v4.Len()+m.v6.Len() > 0:
		zlog.Warn(ctx).Msg("refresh failed, continuing with stale cloud ranges")
		m.state.lastUpdate = time.Now()
		return nil
	}
	return fmt.Errorf("cloud: no provider list could be loaded")
}

// loadRangeCSV reads `prefix,...` rows into the tries, tagging every
// prefix with value. A non-zero vendorCol takes the value from that
// column instead. The header row is skipped.
func loadRangeCSV(path, value string, v4, v6 *prefixTrie, vendorCol int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var n int
	for first := true; ; first = false {
		rec, err := r.Read()
		switch {
		case err == io.EOF:
			if n == 0 {
				return 0, fmt.Errorf("no usable prefixes in %q", path)
			}
			return n, nil
		case err != nil:
			return n, err
		}
		if first || len(rec) == 0 {
			continue
		}
		p, err := netip.ParsePrefix(rec[0])
		if err != nil {
			continue
		}
		v := value
		if vendorCol > 0 && vendorCol < len(rec) {
			v = rec[vendorCol]
		}
		if p.Addr().Is4() {
			v4.Insert(p, v)
		} else {
			v6.Insert(p, v)
		}
		n++
	}
}
