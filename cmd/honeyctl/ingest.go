package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/quay/honeycore/internal/status"
	"github.com/quay/honeycore/libingest"
)

// Bulk implements the "bulk" subcommand.
func Bulk(ctx context.Context, cfg *commonConfig, args []string) error {
	return ingest(ctx, cfg, args, "bulk")
}

// Delta implements the "delta" subcommand.
func Delta(ctx context.Context, cfg *commonConfig, args []string) error {
	return ingest(ctx, cfg, args, "delta")
}

func ingest(ctx context.Context, cfg *commonConfig, args []string, phase string) error {
	fs := flag.NewFlagSet("honeyctl "+phase, flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "\thoneyctl %s file...\n\n", phase)
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: no input files", errUsage)
	}

	store, err := cfg.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	loader, err := newLoader(ctx, cfg, store)
	if err != nil {
		return err
	}

	for _, path := range fs.Args() {
		var m *libingest.Metrics
		switch phase {
		case "bulk":
			m, err = loader.LoadBulk(ctx, path)
		case "delta":
			m, err = loader.LoadDelta(ctx, path)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: read=%d inserted=%d duplicates=%d invalid=%d quarantined=%d sessions=%d dead_lettered=%d elapsed=%v\n",
			path, m.EventsRead, m.EventsInserted, m.DuplicatesSkipped,
			m.EventsInvalid, m.EventsQuarantined, m.SessionsUpserted,
			m.DeadLettered, m.Elapsed)
	}
	return nil
}

func newLoader(ctx context.Context, cfg *commonConfig, store maintStore) (*libingest.Loader, error) {
	c := cfg.Config
	defang, err := c.DefangConfig()
	if err != nil {
		return nil, err
	}
	opts := libingest.Opts{
		Store:               store,
		BatchSize:           c.Loader.BatchSize,
		QuarantineThreshold: c.Loader.QuarantineThreshold,
		BatchRiskThreshold:  c.Loader.BatchRiskThreshold,
		Defang:              defang,
		Pretty:              c.Loader.Pretty,
		TelemetryEvery:      c.Loader.TelemetryEvery,
	}
	if c.StatusDir != "" {
		em, err := status.NewEmitter(c.StatusDir)
		if err != nil {
			return nil, err
		}
		opts.Status = em
	}
	return libingest.New(ctx, &opts)
}
