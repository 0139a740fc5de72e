package ipclass

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore"
)

// DefaultTORURL is the TOR project's bulk exit list.
const DefaultTORURL = `https://check.torproject.org/torbulkexitlist`

const torFile = "tor_exits.txt"

var _ Matcher = (*TOR)(nil)

// TOR matches known TOR exit node addresses. The exit set churns
// quickly, so the list refreshes hourly.
type TOR struct {
	state refreshState
	url   string
	exits map[netip.Addr]struct{}
}

// NewTOR returns a TOR matcher caching under cacheDir.
func NewTOR(cacheDir string) *TOR {
	return &TOR{
		state: newRefreshState(cacheDir, time.Hour),
		url:   DefaultTORURL,
	}
}

// SetURL overrides the list URL, for tests and mirrors.
func (m *TOR) SetURL(url string) { m.url = url }

// Name implements Matcher.
func (*TOR) Name() string { return "tor" }

// Match implements Matcher.
func (m *TOR) Match(q Query) (*Match, error) {
	if m.exits == nil {
		return nil, fmt.Errorf("tor: no exit list loaded")
	}
	if _, ok := m.exits[q.Addr]; !ok {
		return nil, ErrNoMatch
	}
	return &Match{
		IPType:     honeycore.IPTor,
		Provider:   "tor",
		Confidence: 0.95,
		Source:     "tor_bulk_list",
	}, nil
}

// Refresh implements Matcher.
func (m *TOR) Refresh(ctx context.Context) error {
	if m.state.fresh() {
		return nil
	}
	ctx = zlog.ContextWithValues(ctx, "component", "ipclass/TOR.Refresh")

	if path, fresh, ok := m.state.cachedFile(torFile); ok && fresh && m.exits == nil {
		if err := m.load(path); err == nil {
			zlog.Debug(ctx).Int("exits", len(m.exits)).Msg("loaded cached exit list")
			return nil
		}
	}

	path, err := m.state.download(ctx, m.url, torFile)
	if err != nil {
		return m.fallback(ctx, err)
	}
	if err := m.load(path); err != nil {
		return m.fallback(ctx, err)
	}
	zlog.Info(ctx).Int("exits", len(m.exits)).Msg("exit list refreshed")
	return nil
}

// fallback keeps serving stale data when any has ever loaded; the
// initial load has nothing to fall back to and the error propagates.
func (m *TOR) fallback(ctx context.Context, err error) error {
	if m.exits != nil {
		zlog.Warn(ctx).Err(err).Msg("refresh failed, continuing with stale exit list")
		m.state.lastUpdate = time.Now()
		return nil
	}
	if path, _, ok := m.state.cachedFile(torFile); ok {
		if lerr := m.load(path); lerr == nil {
			zlog.Warn(ctx).Err(err).Msg("refresh failed, using stale cached exit list")
			return nil
		}
	}
	return fmt.Errorf("tor: initial list load failed: %w", err)
}

func (m *TOR) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	exits := make(map[netip.Addr]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			continue
		}
		exits[addr] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(exits) == 0 {
		return fmt.Errorf("tor: list at %q is empty", path)
	}
	m.exits = exits
	m.state.loaded = true
	m.state.lastUpdate = time.Now()
	return nil
}
