package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Database.Driver; got != "sqlite" {
		t.Errorf("driver: got: %q, want: %q", got, "sqlite")
	}
	if got := cfg.Database.DSN; got != "honeycore.db" {
		t.Errorf("dsn: got: %q, want: %q", got, "honeycore.db")
	}
	// The cache lands under the user cache directory, not wherever the
	// process happens to be started from.
	want := "cache"
	if d, err := os.UserCacheDir(); err == nil {
		want = filepath.Join(d, "honeycore")
	}
	if got := cfg.CacheDir; got != want {
		t.Errorf("cache dir: got: %q, want: %q", got, want)
	}
}

func TestLoadConfigCacheDirOverride(t *testing.T) {
	p := filepath.Join(t.TempDir(), "honeycore.yaml")
	if err := os.WriteFile(p, []byte("cache_dir: /var/cache/honeycore\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.CacheDir; got != "/var/cache/honeycore" {
		t.Errorf("cache dir: got: %q", got)
	}
}
