package libingest

import (
	"context"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/honeycore/datastore"
)

// populateSnapshots attaches point-in-time enrichment snapshots to the
// batch's session deltas by batch-projecting ip_inventory.
//
// The store's UPSERT coalesces snapshot members, so attaching a value
// to a session that already has one is harmless: the first committed
// write wins and later values are ignored. IPs missing from the
// inventory contribute nothing; their sessions get a snapshot on a
// later flush, after enrichment has run.
func (l *Loader) populateSnapshots(ctx context.Context, deltas []datastore.SessionDelta) {
	if len(deltas) == 0 {
		return
	}
	seen := make(map[string]struct{})
	var ips []string
	for i := range deltas {
		ip := deltas[i].SourceIP
		if ip == "" {
			continue
		}
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	if len(ips) == 0 {
		return
	}
	snaps, err := l.opts.Store.GetSnapshots(ctx, ips)
	if err != nil {
		// Snapshots are best-effort at ingest time.
		zlog.Warn(ctx).
			Str("component", "libingest/Loader.populateSnapshots").
			Err(err).
			Msg("snapshot lookup failed, sessions left unsnapshotted")
		return
	}
	now := time.Now().UTC()
	for i := range deltas {
		sn, ok := snaps[deltas[i].SourceIP]
		if !ok {
			continue
		}
		if sn.ASN == nil && sn.Country == nil && sn.IPType == nil {
			continue
		}
		if sn.At == nil {
			sn.At = &now
		}
		deltas[i].Snapshot = sn
	}
}
