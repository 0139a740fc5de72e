package hibp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// SHA-1 of "password".
const testHash = `5baa61e4c9b93f3f0682250b6cf8331b7ee68fd8`

func mkProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p := new(Provider)
	root := srv.URL + "/range/"
	err := p.Configure(context.Background(), func(v any) error {
		cfg := v.(*Config)
		cfg.Root = &root
		return nil
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the five-character prefix crosses the wire.
		if got, want := r.URL.Path, "/range/5BAA6"; got != want {
			t.Errorf("path: got: %q, want: %q", got, want)
		}
		fmt.Fprint(w, "003D68EB55068C33ACE09247EE4C639306B:3\r\n1E4C9B93F3F0682250B6CF8331B7EE68FD8:10437277\r\n011053FD0102E94D6AE2F8B83D76FAF94F6:1\r\n")
	}))
	defer srv.Close()
	p := mkProvider(t, srv)

	got, err := p.Lookup(context.Background(), testHash)
	if err != nil {
		t.Fatal(err)
	}
	var doc result
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatal(err)
	}
	if want := int64(10437277); doc.Seen != want {
		t.Errorf("Seen: got: %d, want: %d", doc.Seen, want)
	}
}

func TestLookupNotSeen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "003D68EB55068C33ACE09247EE4C639306B:3\r\n")
	}))
	defer srv.Close()
	p := mkProvider(t, srv)

	got, err := p.Lookup(context.Background(), testHash)
	if err != nil {
		t.Fatal(err)
	}
	var doc result
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Seen != 0 {
		t.Errorf("Seen: got: %d, want: 0", doc.Seen)
	}
}

func TestLookupBadKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	p := mkProvider(t, srv)
	if _, err := p.Lookup(context.Background(), "not-a-sha1"); err == nil {
		t.Error("expected error for short key")
	}
}
