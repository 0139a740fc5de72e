package ipclass

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quay/honeycore"
)

func serveBody(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTOR(t *testing.T) {
	ctx := context.Background()
	srv := serveBody(t, "# exit nodes\n198.51.100.7\n203.0.113.5\n\nnot-an-ip\n")
	m := NewTOR(t.TempDir())
	m.SetURL(srv.URL)
	if err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	match, err := m.Match(Query{Addr: netip.MustParseAddr("198.51.100.7")})
	if err != nil {
		t.Fatal(err)
	}
	if match.IPType != honeycore.IPTor || match.Confidence != 0.95 {
		t.Errorf("unexpected match: %+v", match)
	}
	if _, err := m.Match(Query{Addr: netip.MustParseAddr("192.0.2.1")}); err != ErrNoMatch {
		t.Errorf("got: %v, want: ErrNoMatch", err)
	}
}

func TestTORStaleCacheFallback(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// A previous run left a list behind, but the feed is down now.
	p := filepath.Join(dir, torFile)
	if err := os.WriteFile(p, []byte("198.51.100.7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(p, old, old); err != nil {
		t.Fatal(err)
	}

	m := NewTOR(dir)
	m.SetURL("http://127.0.0.1:1/unreachable")
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("expected stale-cache fallback, got: %v", err)
	}
	if _, err := m.Match(Query{Addr: netip.MustParseAddr("198.51.100.7")}); err != nil {
		t.Error(err)
	}
}

func TestTORInitialLoadFails(t *testing.T) {
	m := NewTOR(t.TempDir())
	m.SetURL("http://127.0.0.1:1/unreachable")
	if err := m.Refresh(context.Background()); err == nil {
		t.Error("expected error with no data and no cache")
	}
}

func TestCloud(t *testing.T) {
	ctx := context.Background()
	srv := serveBody(t, "ip_prefix,region,service\n198.51.100.0/24,us-east-1,EC2\n2001:db8::/32,eu-west-1,EC2\n")
	m := NewCloud(t.TempDir())
	m.SetURL("aws", srv.URL)
	if err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	match, err := m.Match(Query{Addr: netip.MustParseAddr("198.51.100.44")})
	if err != nil {
		t.Fatal(err)
	}
	if match.IPType != honeycore.IPCloud || match.Provider != "aws" || match.Confidence != 0.99 {
		t.Errorf("unexpected match: %+v", match)
	}
	if match.Source != "cloud_ranges_aws" {
		t.Errorf("unexpected source: %q", match.Source)
	}
	if _, err := m.Match(Query{Addr: netip.MustParseAddr("2001:db8::9")}); err != nil {
		t.Errorf("v6 lookup: %v", err)
	}
	if _, err := m.Match(Query{Addr: netip.MustParseAddr("192.0.2.1")}); err != ErrNoMatch {
		t.Errorf("got: %v, want: ErrNoMatch", err)
	}
}

func TestCloudUnconfigured(t *testing.T) {
	m := NewCloud(t.TempDir())
	if err := m.Refresh(context.Background()); err == nil {
		t.Error("expected error with no URLs configured")
	}
}

func TestDatacenter(t *testing.T) {
	ctx := context.Background()
	srv := serveBody(t, "cidr,hostmin,hostmax,vendor\n203.0.113.0/24,203.0.113.1,203.0.113.254,hostco\n")
	m := NewDatacenter(t.TempDir())
	m.SetURL(srv.URL)
	if err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	match, err := m.Match(Query{Addr: netip.MustParseAddr("203.0.113.9")})
	if err != nil {
		t.Fatal(err)
	}
	if match.IPType != honeycore.IPDatacenter || match.Provider != "hostco" || match.Confidence != 0.75 {
		t.Errorf("unexpected match: %+v", match)
	}
}

func TestResidential(t *testing.T) {
	m := NewResidential()
	tt := []struct {
		ASName     string
		Confidence float64
	}{
		{"Example Telecom Broadband", 0.8},
		{"Example Cable Co", 0.7},
		{"Example Communications", 0.5},
		{"Example Telecom Hosting", 0},
		{"Cloud Fiber Services", 0},
		{"Example Widgets Inc", 0},
		{"", 0},
	}
	for _, tc := range tt {
		match, err := m.Match(Query{ASName: tc.ASName})
		switch {
		case tc.Confidence == 0:
			if err != ErrNoMatch {
				t.Errorf("%q: got: %v, want: ErrNoMatch", tc.ASName, err)
			}
		case err != nil:
			t.Errorf("%q: %v", tc.ASName, err)
		case match.Confidence != tc.Confidence:
			t.Errorf("%q: got: %v, want: %v", tc.ASName, match.Confidence, tc.Confidence)
		}
	}
}

func TestClassifierPriority(t *testing.T) {
	ctx := context.Background()
	// The same prefix appears in both a cloud list and a datacenter
	// list; matcher order decides.
	cloudSrv := serveBody(t, "ip_prefix,region,service\n198.51.100.0/24,us-east-1,EC2\n")
	dcSrv := serveBody(t, "cidr,hostmin,hostmax,vendor\n198.51.100.0/24,a,b,hostco\n")

	cloud := NewCloud(t.TempDir())
	cloud.SetURL("aws", cloudSrv.URL)
	dc := NewDatacenter(t.TempDir())
	dc.SetURL(dcSrv.URL)

	c := New(cloud, dc, NewResidential())
	if err := c.Warm(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := c.Classify(ctx, Query{Addr: netip.MustParseAddr("198.51.100.7")})
	if err != nil {
		t.Fatal(err)
	}
	if got.IPType != honeycore.IPCloud || got.Provider != "aws" || got.Confidence != 0.99 {
		t.Errorf("unexpected classification: %+v", got)
	}
	if got.ClassifiedAt.IsZero() {
		t.Error("ClassifiedAt not stamped")
	}
}

func TestClassifierUnknown(t *testing.T) {
	ctx := context.Background()
	c := New(NewResidential())
	got, err := c.Classify(ctx, Query{Addr: netip.MustParseAddr("192.0.2.1")})
	if err != nil {
		t.Fatal(err)
	}
	if got.IPType != honeycore.IPUnknown || got.Confidence != 0 {
		t.Errorf("unexpected classification: %+v", got)
	}
}

func TestClassifierInvalidAddr(t *testing.T) {
	c := New(NewResidential())
	if _, err := c.Classify(context.Background(), Query{}); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestClassifierSkipsDatalessMatcher(t *testing.T) {
	ctx := context.Background()
	// The cloud matcher has no URLs and can never load; classification
	// falls through to the residential heuristics.
	c := New(NewCloud(t.TempDir()), NewResidential())
	got, err := c.Classify(ctx, Query{
		Addr:   netip.MustParseAddr("192.0.2.1"),
		ASName: "Example Telecom Broadband",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.IPType != honeycore.IPResidential {
		t.Errorf("unexpected classification: %+v", got)
	}
}
