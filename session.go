package honeycore

import "time"

// Session is the per-session rollup row.
//
// Aggregate members are merged additively (or by min/max) across
// flushes; the Snapshot* members are point-in-time enrichment values
// and are immutable once set.
type Session struct {
	ID             string
	EventCount     int64
	CommandCount   int64
	FileDownloads  int64
	LoginAttempts  int64
	FirstEventAt   time.Time
	LastEventAt    time.Time
	RiskScore      int
	SourceFiles    []string
	VTFlagged      bool
	DShieldFlagged bool

	SSHKeyInjections int64
	UniqueSSHKeys    []string

	// Matcher is the sensor tag that observed the session.
	Matcher string

	// SourceIP is the canonical (first observed) source address.
	SourceIP string

	// Snapshot fields. A nil pointer means "not yet snapshotted";
	// once non-nil in storage they never change.
	SnapshotASN     *int64
	SnapshotCountry *string
	SnapshotIPType  *IPType
	EnrichmentAt    *time.Time
}
