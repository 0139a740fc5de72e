package ipclass

import (
	"context"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
)

const datacenterFile = "datacenter.csv"

var _ Matcher = (*Datacenter)(nil)

// Datacenter matches hosting and datacenter ranges from a
// community-maintained CSV with header `cidr,hostmin,hostmax,vendor`.
// The list URL is deployment configuration. Community lists change
// rarely; the refresh interval is a week.
type Datacenter struct {
	state refreshState
	url   string
	v4    prefixTrie
	v6    prefixTrie
}

// NewDatacenter returns a Datacenter matcher caching under cacheDir.
// The list URL is registered with SetURL before first use.
func NewDatacenter(cacheDir string) *Datacenter {
	return &Datacenter{
		state: newRefreshState(cacheDir, 7*24*time.Hour),
	}
}

// SetURL registers the list URL.
func (m *Datacenter) SetURL(url string) { m.url = url }

// Name implements Matcher.
func (*Datacenter) Name() string { return "datacenter" }

// Match implements Matcher.
func (m *Datacenter) Match(q Query) (*Match, error) {
	if m.v4.Len() == 0 && m.v6.Len() == 0 {
		return nil, fmt.Errorf("datacenter: no ranges loaded")
	}
	t := &m.v4
	if q.Addr.Is6() && !q.Addr.Is4In6() {
		t = &m.v6
	}
	vendor, ok := t.Lookup(q.Addr.Unmap())
	if !ok {
		return nil, ErrNoMatch
	}
	return &Match{
		IPType:     honeycore.IPDatacenter,
		Provider:   vendor,
		Confidence: 0.75,
		Source:     "datacenter_community_lists",
	}, nil
}

// Refresh implements Matcher.
func (m *Datacenter) Refresh(ctx context.Context) error {
	if m.state.fresh() {
		return nil
	}
	ctx = zlog.ContextWithValues(ctx, "component", "ipclass/Datacenter.Refresh")
	if m.url == "" {
		return fmt.Errorf("datacenter: no list URL configured")
	}

	if path, fresh, ok := m.state.cachedFile(datacenterFile); ok && fresh && m.v4.Len()+m.v6.Len() == 0 {
		if err := m.load(path); err == nil {
			zlog.Debug(ctx).Int("prefixes", m.v4.Len()+m.v6.Len()).Msg("loaded cached datacenter list")
			return nil
		}
	}

	path, err := m.state.download(ctx, m.url, datacenterFile)
	if err != nil {
		return m.fallback(ctx, err)
	}
	if err := m.load(path); err != nil {
		return m.fallback(ctx, err)
	}
	zlog.Info(ctx).Int("prefixes", m.v4.Len()+m.v6.Len()).Msg("datacenter list refreshed")
	return nil
}

func (m *Datacenter) fallback(ctx context.Context, err error) error {
	if m.v4.Len()+m.v6.Len() > 0 {
		zlog.Warn(ctx).Err(err).Msg("refresh failed, continuing with stale datacenter list")
		m.state.lastUpdate = time.Now()
		return nil
	}
	if path, _, ok := m.state.cachedFile(datacenterFile); ok {
		if lerr := m.load(path); lerr == nil {
			zlog.Warn(ctx).Err(err).Msg("refresh failed, using stale cached datacenter list")
			return nil
		}
	}
	return fmt.Errorf("datacenter: initial list load failed: %w", err)
}

func (m *Datacenter) load(path string) error {
	var v4, v6 prefixTrie
	// Vendor is the fourth column.
	if _, err := loadRangeCSV(path, "", &v4, &v6, 3); err != nil {
		return err
	}
	m.v4, m.v6 = v4, v6
	m.state.loaded = true
	m.state.lastUpdate = time.Now()
	return nil
}
