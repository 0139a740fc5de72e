package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quay/honeycore/enrich"
	"github.com/quay/honeycore/enrich/dshield"
	"github.com/quay/honeycore/enrich/hibp"
	"github.com/quay/honeycore/enrich/spur"
	"github.com/quay/honeycore/enrich/urlhaus"
	"github.com/quay/honeycore/enrich/vt"
	"github.com/quay/honeycore/enrichcache"
)

// Enrich implements the "enrich" subcommand.
func Enrich(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("honeyctl enrich", flag.ExitOnError)
	sessions := fs.Int("sessions", 0, "flag up to this many pending sessions instead of enriching arguments")
	passwords := fs.Bool("passwords", false, "treat arguments as captured credentials instead of addresses")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "\thoneyctl enrich ip...\n")
		fmt.Fprintf(out, "\thoneyctl enrich -passwords credential...\n")
		fmt.Fprintf(out, "\thoneyctl enrich -sessions n\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() == 0 && *sessions <= 0 {
		fs.Usage()
		return fmt.Errorf("%w: no addresses", errUsage)
	}

	store, err := cfg.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	svc, err := newEnricher(ctx, cfg, store)
	if err != nil {
		return err
	}
	if *sessions > 0 {
		stats, err := svc.EnrichSessions(ctx, *sessions)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "sessions=%d vt_flagged=%d dshield_flagged=%d\n",
			stats.Sessions, stats.VTFlagged, stats.DShieldFlagged)
		return nil
	}
	for _, arg := range fs.Args() {
		var res *enrich.Result
		if *passwords {
			res, err = svc.EnrichPassword(ctx, arg)
		} else {
			res, err = svc.EnrichIP(ctx, arg)
		}
		if err != nil {
			return err
		}
		doc, err := res.Merged()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\n", arg, doc)
	}
	return nil
}

func newEnricher(ctx context.Context, cfg *commonConfig, store maintStore) (*enrich.Service, error) {
	c := cfg.Config

	var l1 enrichcache.Tier
	if c.Redis.Addr != "" {
		r, err := enrichcache.NewRedis(ctx, c.Redis.Addr)
		if err != nil {
			return nil, err
		}
		l1 = r
	} else {
		l1 = enrichcache.NewMemory()
	}
	l3, err := enrichcache.NewFS(filepath.Join(c.CacheDir, "enrich"))
	if err != nil {
		return nil, err
	}
	cache, err := enrichcache.New(ctx, &enrichcache.Opts{
		L1: l1,
		L2: store,
		L3: l3,
	})
	if err != nil {
		return nil, err
	}

	return enrich.New(ctx, &enrich.Opts{
		Providers: []enrich.Provider{
			new(vt.Provider),
			new(dshield.Provider),
			new(urlhaus.Provider),
			new(spur.Provider),
			new(hibp.Provider),
			&enrich.IPClassifier{Classifier: newClassifier(c)},
		},
		Cache:         cache,
		Inventory:     store,
		Sessions:      store,
		RatePerMinute: c.Enrich.RatePerMinute,
		Concurrency:   c.Enrich.Concurrency,
		Config:        cfg.Config.ProviderConfigs(),
	})
}
