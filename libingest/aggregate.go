package libingest

import (
	"sort"
	"time"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/datastore"
)

// aggregator folds events into per-session deltas for one batch. It is
// reset after every flush; merge semantics across batches live in the
// store's UPSERT.
type aggregator struct {
	sessions map[string]*sessionAgg
}

type sessionAgg struct {
	delta datastore.SessionDelta
	files map[string]struct{}
	keys  map[string]struct{}
}

func newAggregator() *aggregator {
	return &aggregator{sessions: make(map[string]*sessionAgg)}
}

// Add folds one event into the batch aggregates. Events without a
// session id contribute nothing.
func (a *aggregator) Add(e *honeycore.Event, source string, risk int) {
	if e.SessionID == "" {
		return
	}
	agg, ok := a.sessions[e.SessionID]
	if !ok {
		agg = &sessionAgg{
			delta: datastore.SessionDelta{SessionID: e.SessionID},
			files: make(map[string]struct{}),
			keys:  make(map[string]struct{}),
		}
		a.sessions[e.SessionID] = agg
	}
	d := &agg.delta

	d.EventCount++
	if e.IsCommand() {
		d.CommandCount++
	}
	switch e.Kind {
	case honeycore.KindFileDownload:
		d.FileDownloads++
	case honeycore.KindLoginSuccess, honeycore.KindLoginFailed:
		d.LoginAttempts++
	}
	if ts := e.Timestamp; !ts.IsZero() {
		if d.FirstEventAt.IsZero() || ts.Before(d.FirstEventAt) {
			d.FirstEventAt = ts
		}
		if ts.After(d.LastEventAt) {
			d.LastEventAt = ts
		}
	}
	if risk > d.RiskScore {
		d.RiskScore = risk
	}
	if source != "" {
		agg.files[cowrie.SanitizeString(source)] = struct{}{}
	}
	if d.Matcher == "" {
		d.Matcher = e.Sensor
	}
	if d.SourceIP == "" {
		d.SourceIP = e.SrcIP
	}
	if cmd := e.Input; cmd != "" {
		for _, k := range cowrie.ExtractAuthorizedKey(cmd) {
			d.SSHKeyInjections++
			agg.keys[k.Fingerprint] = struct{}{}
		}
	}
}

// Deltas returns the finalized per-session deltas, with source files
// and key fingerprints as sorted sets.
func (a *aggregator) Deltas() []datastore.SessionDelta {
	if len(a.sessions) == 0 {
		return nil
	}
	out := make([]datastore.SessionDelta, 0, len(a.sessions))
	for _, agg := range a.sessions {
		agg.delta.SourceFiles = sortedSet(agg.files)
		agg.delta.SSHKeys = sortedSet(agg.keys)
		out = append(out, agg.delta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Sightings derives per-IP sighting updates from the batch: one
// session per delta with a source IP.
func (a *aggregator) Sightings() []datastore.Sighting {
	byIP := make(map[string]*datastore.Sighting)
	for _, agg := range a.sessions {
		d := &agg.delta
		if d.SourceIP == "" {
			continue
		}
		seen := d.LastEventAt
		if seen.IsZero() {
			seen = time.Now().UTC()
		}
		s, ok := byIP[d.SourceIP]
		if !ok {
			byIP[d.SourceIP] = &datastore.Sighting{IP: d.SourceIP, SeenAt: seen, Sessions: 1}
			continue
		}
		s.Sessions++
		if seen.After(s.SeenAt) {
			s.SeenAt = seen
		}
	}
	if len(byIP) == 0 {
		return nil
	}
	out := make([]datastore.Sighting, 0, len(byIP))
	for _, s := range byIP {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func sortedSet(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
