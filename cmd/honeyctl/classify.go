package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/ipclass"
)

// Classify implements the "classify" subcommand.
func Classify(ctx context.Context, cfg *commonConfig, args []string) error {
	fs := flag.NewFlagSet("honeyctl classify", flag.ExitOnError)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "\thoneyctl classify [-asn n] [-asname name] ip...\n\n")
		fs.PrintDefaults()
	}
	asn := fs.Int64("asn", 0, "AS number for the addresses, if known")
	asname := fs.String("asname", "", "AS name for the addresses, if known")
	fs.Parse(args)
	var asnHint *int64
	if *asn != 0 {
		asnHint = asn
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: no addresses", errUsage)
	}

	c := newClassifier(cfg.Config)
	if err := c.Warm(ctx); err != nil {
		// Matchers without data are skipped at classify time; an
		// answer from the remaining matchers beats no answer.
		zlog.Warn(ctx).Err(err).Msg("matcher warmup incomplete")
	}
	enc := json.NewEncoder(os.Stdout)
	for _, arg := range fs.Args() {
		addr, err := netip.ParseAddr(arg)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		res, err := c.Classify(ctx, ipclass.Query{
			Addr:   addr,
			ASN:    asnHint,
			ASName: *asname,
		})
		if err != nil {
			return err
		}
		out := struct {
			IP string `json:"ip"`
			ipclass.Classification
		}{IP: arg, Classification: res}
		if err := enc.Encode(&out); err != nil {
			return err
		}
	}
	return nil
}

func newClassifier(c *Config) *ipclass.Classifier {
	lists := filepath.Join(c.CacheDir, "lists")
	tor := ipclass.NewTOR(lists)
	if u := c.Classify.TORURL; u != "" {
		tor.SetURL(u)
	}
	cloud := ipclass.NewCloud(lists)
	for provider, u := range c.Classify.CloudURLs {
		cloud.SetURL(provider, u)
	}
	dc := ipclass.NewDatacenter(lists)
	if u := c.Classify.DatacenterURL; u != "" {
		dc.SetURL(u)
	}
	return ipclass.New(tor, cloud, dc, ipclass.NewResidential())
}
