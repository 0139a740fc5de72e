package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/datastore/postgres"
	"github.com/quay/honeycore/datastore/sqlite"
	"github.com/quay/honeycore/enrich"
)

type commonConfig struct {
	Config *Config
}

// Config is the honeyctl configuration file.
type Config struct {
	Database struct {
		// Driver is "sqlite" or "postgres".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	// StatusDir receives per-phase status documents. Empty disables
	// status emission.
	StatusDir string `yaml:"status_dir"`
	// CacheDir holds downloaded classification lists and the
	// filesystem cache tier.
	CacheDir string `yaml:"cache_dir"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Loader struct {
		BatchSize           int  `yaml:"batch_size"`
		QuarantineThreshold int  `yaml:"quarantine_threshold"`
		BatchRiskThreshold  int  `yaml:"batch_risk_threshold"`
		Pretty              bool `yaml:"pretty"`
		TelemetryEvery      int  `yaml:"telemetry_every"`
		Defang              struct {
			// Mode is "intelligent" or "legacy".
			Mode             string `yaml:"mode"`
			PreserveOriginal *bool  `yaml:"preserve_original"`
		} `yaml:"defang"`
	} `yaml:"loader"`

	Enrich struct {
		Concurrency   int            `yaml:"concurrency"`
		RatePerMinute map[string]int `yaml:"rate_per_minute"`
		// Providers holds per-provider configuration subsections,
		// decoded lazily by each provider's Configure.
		Providers map[string]yaml.Node `yaml:"providers"`
	} `yaml:"enrich"`

	Classify struct {
		TORURL        string            `yaml:"tor_url"`
		CloudURLs     map[string]string `yaml:"cloud_urls"`
		DatacenterURL string            `yaml:"datacenter_url"`
	} `yaml:"classify"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %q: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, err
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "honeycore.db"
	}
	if cfg.CacheDir == "" {
		if d, err := os.UserCacheDir(); err == nil {
			cfg.CacheDir = filepath.Join(d, "honeycore")
		} else {
			cfg.CacheDir = "cache"
		}
	}
	return &cfg, nil
}

// DefangConfig maps the configured defang section onto the loader's
// config, defaulting to intelligent mode with originals preserved.
func (c *Config) DefangConfig() (cowrie.DefangConfig, error) {
	out := cowrie.DefaultDefangConfig
	switch m := c.Loader.Defang.Mode; m {
	case "", "intelligent":
	case "legacy":
		out.Mode = cowrie.DefangLegacy
	default:
		return out, fmt.Errorf("%w: unknown defang mode %q", errUsage, m)
	}
	if p := c.Loader.Defang.PreserveOriginal; p != nil {
		out.PreserveOriginal = *p
	}
	return out, nil
}

// ProviderConfigs adapts the yaml subsections to the enrichment
// service's unmarshaler map.
func (c *Config) ProviderConfigs() map[string]enrich.ConfigUnmarshaler {
	out := make(map[string]enrich.ConfigUnmarshaler, len(c.Enrich.Providers))
	for name, node := range c.Enrich.Providers {
		node := node
		out[name] = node.Decode
	}
	return out
}

// maintStore is the surface the db subcommand needs beyond
// datastore.Store.
type maintStore interface {
	datastore.Store
	Vacuum(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
}

// openStore opens the configured database, running migrations.
func (c *commonConfig) openStore(ctx context.Context) (maintStore, error) {
	cfg := c.Config
	switch cfg.Database.Driver {
	case "sqlite":
		return sqlite.Open(ctx, cfg.Database.DSN)
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Database.DSN, "honeyctl")
		if err != nil {
			return nil, err
		}
		return postgres.New(ctx, pool, true)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", errUsage, cfg.Database.Driver)
	}
}
