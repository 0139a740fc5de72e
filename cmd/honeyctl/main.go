// Command honeyctl drives the ingestion and enrichment pipeline from
// the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"
)

type subcmd func(context.Context, *commonConfig, []string) error

// errUsage marks argument validation failures, which exit 2 instead of
// 1.
var errUsage = errors.New("usage error")

var subcmds = []struct {
	name string
	desc string
	fn   subcmd
}{
	{"bulk", "ingest whole log files", Bulk},
	{"delta", "ingest log files incrementally, tracking cursors", Delta},
	{"replay", "replay unresolved dead letters", Replay},
	{"classify", "classify IP addresses", Classify},
	{"enrich", "enrich IP addresses through the provider set", Enrich},
	{"ssh-keys", "backfill or export per-session SSH key aggregates", SSHKeys},
	{"db", "database maintenance: migrate, vacuum, verify, sanitize, cache-cleanup", DB},
}

func main() {
	var exit int
	defer func() {
		if exit != 0 {
			os.Exit(exit)
		}
	}()
	ctx, done := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		<-ch
		done()
	}()

	var cfg commonConfig
	fs := flag.NewFlagSet("honeyctl", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage of %s:\n", os.Args[0])
		fs.PrintDefaults()
		fmt.Fprintf(out, "\nSubcommands\n\n")
		for _, s := range subcmds {
			fmt.Fprintf(out, "%s\n\t%s\n", s.name, s.desc)
		}
		fmt.Fprintln(out)
	}
	configPath := fs.String("config", "honeycore.yaml", "configuration file")
	debug := fs.Bool("D", false, "enable debug logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	lvl := zerolog.InfoLevel
	if *debug {
		lvl = zerolog.DebugLevel
	}
	l := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	zlog.Set(&l)

	var err error
	cfg.Config, err = loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	var cmd subcmd
	switch n := fs.Arg(0); n {
	case "":
		fs.Usage()
		os.Exit(2)
	default:
		for _, s := range subcmds {
			if s.name == n {
				cmd = s.fn
				break
			}
		}
		if cmd == nil {
			fs.Usage()
			fmt.Fprintf(os.Stderr, "\nunknown subcommand %q\n", n)
			os.Exit(2)
		}
	}

	exit = run(ctx, cmd, &cfg, fs.Args()[1:])
}

// run executes the subcommand and maps its outcome to an exit code. On
// cancellation it waits for the command to unwind, so an in-flight
// flush commits before the process exits.
func run(ctx context.Context, c subcmd, cfg *commonConfig, args []string) int {
	var cmdErr error
	cmdctx, cmddone := context.WithCancel(ctx)
	go func() {
		defer cmddone()
		cmdErr = c(cmdctx, cfg, args)
	}()

	select {
	case <-ctx.Done():
		log.Print(ctx.Err())
		<-cmdctx.Done()
		if cmdErr != nil && !errors.Is(cmdErr, context.Canceled) {
			log.Print(cmdErr)
		}
		return 1
	case <-cmdctx.Done():
		switch {
		case cmdErr == nil:
			return 0
		case errors.Is(cmdErr, errUsage):
			log.Print(cmdErr)
			return 2
		default:
			log.Print(cmdErr)
			return 1
		}
	}
}
