package main

import (
	"context"
	"flag"
	"fmt"
)

// DB implements the "db" subcommand.
func DB(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("honeyctl db", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "\thoneyctl db migrate|vacuum|verify|sanitize|cache-cleanup\n\n")
		fs.PrintDefaults()
	}
	dryRun := fs.Bool("dry-run", false, "cache-cleanup: count expired rows without deleting")
	fs.Parse(args)

	// Opening the store runs pending migrations for every operation.
	store, err := cfg.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	switch op := fs.Arg(0); op {
	case "migrate":
		v, err := store.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("schema version: %d\n", v)
	case "vacuum":
		if err := store.Vacuum(ctx); err != nil {
			return err
		}
	case "verify":
		v, err := store.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		total, unresolved, err := store.CountDeadLetters(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("schema version: %d\ndead letters: %d (%d unresolved)\n", v, total, unresolved)
	case "sanitize":
		n, err := store.SanitizeStored(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("rows rewritten: %d\n", n)
	case "cache-cleanup":
		n, err := store.CleanupExpired(ctx, *dryRun)
		if err != nil {
			return err
		}
		if *dryRun {
			fmt.Printf("expired rows: %d\n", n)
		} else {
			fmt.Printf("rows deleted: %d\n", n)
		}
	default:
		fs.Usage()
		return fmt.Errorf("%w: unknown operation %q", errUsage, op)
	}
	return nil
}
