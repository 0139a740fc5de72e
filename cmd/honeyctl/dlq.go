package main

import (
	"context"
	"flag"
	"fmt"
)

// Replay implements the "replay" subcommand.
func Replay(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("honeyctl replay", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "\thoneyctl replay [-limit n]\n\n")
		fs.PrintDefaults()
	}
	limit := fs.Int("limit", 100, "maximum dead letters to examine")
	fs.Parse(args)
	if *limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", errUsage)
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
	m, err := loader.ReplayDeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Printf("examined=%d replayed=%d failed=%d skipped=%d\n",
		m.Examined, m.Replayed, m.Failed, m.Skipped)
	return nil
}
