package ipclass

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/quay/honeycore/internal/httputil"
	"github.com/quay/honeycore/pkg/tmp"
)

// refreshState is the shared bookkeeping for list-backed matchers:
// when the data was last loaded, how often it should be reloaded, and
// where downloaded lists persist across runs.
type refreshState struct {
	interval   time.Duration
	cacheDir   string
	lastUpdate time.Time
	loaded     bool
	// limiter throttles download attempts so a persistently failing
	// feed is not hammered on every classification.
	limiter *rate.Limiter
	client  *http.Client
}

func newRefreshState(cacheDir string, interval time.Duration) refreshState {
	return refreshState{
		interval: interval,
		cacheDir: cacheDir,
		limiter:  rate.NewLimiter(rate.Every(time.Minute), 1),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *refreshState) fresh() bool {
	return s.loaded && time.Since(s.lastUpdate) < s.interval
}

// cachedFile reports the cached copy of the named list and whether its
// age is within the update interval.
func (s *refreshState) cachedFile(name string) (path string, fresh bool, ok bool) {
	path = filepath.Join(s.cacheDir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return "", false, false
	}
	return path, time.Since(fi.ModTime()) < s.interval, true
}

// download fetches the URL into the cache directory under name,
// spooling through a temp file so a partial download never replaces a
// good list.
func (s *refreshState) download(ctx context.Context, url, name string) (string, error) {
	if !s.limiter.Allow() {
		return "", fmt.Errorf("refresh throttled")
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return "", err
	}

	f, err := tmp.NewFile(s.cacheDir, "."+name+".*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, res.Body); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	target := filepath.Join(s.cacheDir, name)
	if err := os.Rename(f.Name(), target); err != nil {
		return "", err
	}
	return target, nil
}
