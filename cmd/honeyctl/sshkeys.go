package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

// SSHKeys implements the "ssh-keys" subcommand.
func SSHKeys(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("honeyctl ssh-keys", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "\thoneyctl ssh-keys backfill|export\n\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	store, err := cfg.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	switch op := fs.Arg(0); op {
	case "backfill":
		n, err := store.BackfillSSHKeys(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("sessions updated: %d\n", n)
	case "export":
		keys, err := store.ExportSSHKeys(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	default:
		fs.Usage()
		return fmt.Errorf("%w: unknown operation %q", errUsage, op)
	}
	return nil
}
