package enrichcache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestShard(t *testing.T) {
	tt := []struct {
		Service string
		Key     string
		Want    string
	}{
		{ServiceDShield, "198.51.100.7", filepath.Join("198", "51", "100", "7")},
		{ServiceVT, "d2c3e1a09f5b7e61a3f0c2b8d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6c8d0e2", filepath.Join("d2", "c3", "d2c3e1a09f5b7e61a3f0c2b8d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6c8d0e2")},
		{ServiceHIBP, "ABCDE", filepath.Join("ab", "ABCDE")},
		{ServiceSPUR, "2001:db8::1", "2001_db8__1"},
		{ServiceURLHaus, "../../escape", ".._.._escape"},
	}
	for _, tc := range tt {
		if got := shard(tc.Service, tc.Key); got != tc.Want {
			t.Errorf("%s/%s: got: %q, want: %q", tc.Service, tc.Key, got, tc.Want)
		}
	}
}

func TestFSRoundtrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	doc := json.RawMessage(`{"asn":64496}`)
	if err := fs.Put(ctx, ServiceDShield, "198.51.100.7", doc); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Get(ctx, ServiceDShield, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, doc) {
		t.Error(cmp.Diff(got, doc))
	}
	// The entry landed in the per-octet shard tree.
	want := filepath.Join(fs.root, ServiceDShield, "198", "51", "100", "7.json")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("missing shard file: %v", err)
	}
}

func TestFSMiss(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Get(ctx, ServiceVT, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got: %v, want: ErrNotFound", err)
	}
}

func TestFSExpiry(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fs.ttl = -time.Second
	if err := fs.Put(ctx, ServiceSPUR, "198.51.100.7", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Get(ctx, ServiceSPUR, "198.51.100.7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got: %v, want: ErrNotFound", err)
	}
	// The expired entry was removed on access.
	name := fs.path(ServiceSPUR, "198.51.100.7")
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("expired entry not removed: %v", err)
	}
}

func TestFSCorruptEntry(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	name := fs.path(ServiceURLHaus, "somekey")
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Get(ctx, ServiceURLHaus, "somekey"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got: %v, want: ErrNotFound", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("corrupt entry not removed: %v", err)
	}
}
