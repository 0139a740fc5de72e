package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/datastore/sqlite"
	"github.com/quay/honeycore/enrichcache"
	"github.com/quay/honeycore/ipclass"
)

type fakeProvider struct {
	name  string
	kind  Kind
	doc   json.RawMessage
	err   error
	calls int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Kind() Kind   { return p.kind }
func (p *fakeProvider) Lookup(_ context.Context, _ string) (json.RawMessage, error) {
	p.calls++
	return p.doc, p.err
}

func mkCache(t *testing.T) *enrichcache.Cache {
	t.Helper()
	c, err := enrichcache.New(context.Background(), &enrichcache.Opts{
		L1: enrichcache.NewMemory(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEnrichIP(t *testing.T) {
	ctx := context.Background()
	dshield := &fakeProvider{
		name: enrichcache.ServiceDShield,
		kind: KindIP,
		doc:  json.RawMessage(`{"count":1694,"attacks":27,"asname":"EXAMPLE-AS"}`),
	}
	spur := &fakeProvider{
		name: enrichcache.ServiceSPUR,
		kind: KindIP,
		doc:  json.RawMessage(`{"country":"NL"}`),
	}
	broken := &fakeProvider{
		name: "broken",
		kind: KindIP,
		err:  errors.New("service down"),
	}
	s, err := New(ctx, &Opts{
		Providers: []Provider{dshield, spur, broken},
		Cache:     mkCache(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.EnrichIP(ctx, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	// The failed provider is omitted, not fatal.
	want := map[string]json.RawMessage{
		enrichcache.ServiceDShield: dshield.doc,
		enrichcache.ServiceSPUR:    spur.doc,
	}
	if !cmp.Equal(res.Doc, want) {
		t.Error(cmp.Diff(res.Doc, want))
	}
	if !res.DShieldFlagged {
		t.Error("DShieldFlagged: got: false, want: true")
	}
}

func TestEnrichIPCacheShortCircuit(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{
		name: enrichcache.ServiceDShield,
		kind: KindIP,
		doc:  json.RawMessage(`{"count":1}`),
	}
	s, err := New(ctx, &Opts{Providers: []Provider{p}, Cache: mkCache(t)})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.EnrichIP(ctx, "198.51.100.7"); err != nil {
			t.Fatal(err)
		}
	}
	if p.calls != 1 {
		t.Errorf("provider calls: got: %d, want: 1", p.calls)
	}
}

func TestEnrichFile(t *testing.T) {
	ctx := context.Background()
	vt := &fakeProvider{
		name: enrichcache.ServiceVT,
		kind: KindHash,
		doc:  json.RawMessage(`{"malicious":61,"threat_label":"trojan.mirai/gafgyt"}`),
	}
	haus := &fakeProvider{
		name: enrichcache.ServiceURLHaus,
		kind: KindURL,
		doc:  json.RawMessage(`{"status":"online"}`),
	}
	s, err := New(ctx, &Opts{Providers: []Provider{vt, haus}, Cache: mkCache(t)})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.EnrichFile(ctx, "275a021b", "http://evil.example/a.sh")
	if err != nil {
		t.Fatal(err)
	}
	if !res.VTFlagged {
		t.Error("VTFlagged: got: false, want: true")
	}
	if len(res.Doc) != 2 {
		t.Errorf("got: %d results, want: 2", len(res.Doc))
	}

	// Without a URL the URL-kind provider is skipped.
	haus.calls = 0
	if _, err := s.EnrichFile(ctx, "deadbeef", ""); err != nil {
		t.Fatal(err)
	}
	if haus.calls != 0 {
		t.Errorf("urlhaus calls: got: %d, want: 0", haus.calls)
	}
}

func TestEnrichIPClassifierHints(t *testing.T) {
	ctx := context.Background()
	dshield := &fakeProvider{
		name: enrichcache.ServiceDShield,
		kind: KindIP,
		doc:  json.RawMessage(`{"count":3,"asname":"EXAMPLE TELECOM CABLE","asnum":64496}`),
	}
	s, err := New(ctx, &Opts{
		Providers: []Provider{
			dshield,
			&IPClassifier{Classifier: ipclass.New(ipclass.NewResidential())},
		},
		Cache: mkCache(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	// The prefix lists know nothing about this address; the AS name
	// reported by DShield is what classifies it.
	res, err := s.EnrichIP(ctx, "203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		IPType     honeycore.IPType `json:"ip_type"`
		Confidence float64          `json:"confidence"`
	}
	if err := json.Unmarshal(res.Doc[enrichcache.ServiceIPClass], &doc); err != nil {
		t.Fatal(err)
	}
	if doc.IPType != honeycore.IPResidential {
		t.Errorf("ip_type: got: %v, want: %v", doc.IPType, honeycore.IPResidential)
	}
	if doc.Confidence != 0.8 {
		t.Errorf("confidence: got: %v, want: 0.8", doc.Confidence)
	}
}

func TestEnrichPassword(t *testing.T) {
	ctx := context.Background()
	hibp := &fakeProvider{
		name: enrichcache.ServiceHIBP,
		kind: KindPassword,
		doc:  json.RawMessage(`{"seen":10437277}`),
	}
	s, err := New(ctx, &Opts{Providers: []Provider{hibp}, Cache: mkCache(t)})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.EnrichPassword(ctx, "password")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.BreachCount, int64(10437277); got != want {
		t.Errorf("BreachCount: got: %d, want: %d", got, want)
	}
	if _, ok := res.Doc[enrichcache.ServiceHIBP]; !ok {
		t.Error("merged document missing hibp section")
	}
}

func TestEnrichSessions(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close(ctx)

	payload := `{"eventid":"cowrie.session.file_download","session":"s1","shasum":"275a021b","url":"http://evil.example/a.sh"}`
	b := &datastore.Batch{
		Events: []datastore.RawEvent{{
			IngestID:    uuid.New(),
			Source:      "log.json",
			Payload:     json.RawMessage(payload),
			PayloadHash: honeycore.DigestBytes([]byte(payload)),
			SessionID:   "s1",
			EventType:   "cowrie.session.file_download",
		}},
		Sessions: []datastore.SessionDelta{{
			SessionID:     "s1",
			EventCount:    1,
			FileDownloads: 1,
			LastEventAt:   time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
			SourceIP:      "198.51.100.7",
		}},
	}
	if _, err := store.CommitBatch(ctx, b); err != nil {
		t.Fatal(err)
	}

	dshield := &fakeProvider{
		name: enrichcache.ServiceDShield,
		kind: KindIP,
		doc:  json.RawMessage(`{"count":1694,"attacks":27}`),
	}
	vt := &fakeProvider{
		name: enrichcache.ServiceVT,
		kind: KindHash,
		doc:  json.RawMessage(`{"malicious":61}`),
	}
	s, err := New(ctx, &Opts{
		Providers: []Provider{dshield, vt},
		Cache:     mkCache(t),
		Sessions:  store,
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := s.EnrichSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := SessionStats{Sessions: 1, VTFlagged: 1, DShieldFlagged: 1}
	if !cmp.Equal(stats, want) {
		t.Error(cmp.Diff(stats, want))
	}

	// The pass stamps the enrichment time, so the session is visited
	// exactly once.
	stats, err = s.EnrichSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 0 {
		t.Errorf("second pass sessions: got: %d, want: 0", stats.Sessions)
	}
}

func TestEnrichIPInventoryWriteBack(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close(ctx)

	p := &fakeProvider{
		name: enrichcache.ServiceDShield,
		kind: KindIP,
		doc:  json.RawMessage(`{"count":0,"attacks":0,"asnum":64496,"ascountry":"NL"}`),
	}
	s, err := New(ctx, &Opts{
		Providers: []Provider{p},
		Cache:     mkCache(t),
		Inventory: store,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnrichIP(ctx, "198.51.100.7"); err != nil {
		t.Fatal(err)
	}

	inv, err := store.GetInventory(ctx, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	if inv.CurrentASN == nil || *inv.CurrentASN != 64496 {
		t.Errorf("CurrentASN: got: %v", inv.CurrentASN)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(inv.Enrichment, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc[enrichcache.ServiceDShield]; !ok {
		t.Error("merged document missing dshield section")
	}
}
