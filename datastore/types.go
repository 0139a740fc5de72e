package datastore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quay/honeycore"
)

// RawEvent is one persisted log line.
//
// The natural key is (Source, SourceInode, SourceGeneration,
// SourceOffset); rows are created exactly once per natural key and
// never updated.
type RawEvent struct {
	IngestID         uuid.UUID
	Source           string
	SourceInode      uint64
	SourceGeneration int64
	SourceOffset     int64

	Payload     json.RawMessage
	PayloadHash honeycore.Digest

	SessionID      string
	EventType      string
	EventTimestamp time.Time
	RiskScore      int
	Quarantined    bool
}

// Snapshot is the point-in-time enrichment projection written onto a
// session. Nil members are not written; in storage every member is
// first-write-wins.
type Snapshot struct {
	ASN     *int64
	Country *string
	IPType  *honeycore.IPType
	At      *time.Time
}

// SessionDelta is the per-batch aggregate for one session, merged into
// session_summary by the backend UPSERT: counters add, FirstEventAt
// takes the minimum, LastEventAt and RiskScore the maximum, the
// SourceFiles and SSHKeys sets union, snapshot members COALESCE.
type SessionDelta struct {
	SessionID     string
	EventCount    int64
	CommandCount  int64
	FileDownloads int64
	LoginAttempts int64
	FirstEventAt  time.Time
	LastEventAt   time.Time
	RiskScore     int
	SourceFiles   []string

	SSHKeyInjections int64
	SSHKeys          []string

	VTFlagged      bool
	DShieldFlagged bool

	Matcher  string
	SourceIP string
	Snapshot Snapshot
}

// Cursor is the per-source ingest position.
type Cursor struct {
	Source       string
	Inode        uint64
	LastOffset   int64
	LastIngestID uuid.UUID
	Generation   int64
	// FirstHash is the payload hash at offset 0 of the current
	// generation, used to detect truncate-and-rewrite without an
	// inode change.
	FirstHash honeycore.Digest
	UpdatedAt time.Time
}

// Dead letter reasons.
const (
	ReasonValidation  = "validation"
	ReasonQuarantined = "quarantined"
)

// ProcessingAttempt is one replay attempt recorded on a dead letter.
type ProcessingAttempt struct {
	At       time.Time `json:"at"`
	Method   string    `json:"method"`
	Success  bool      `json:"success"`
	Duration float64   `json:"duration_seconds"`
}

// ErrorRecord is one failure recorded on a dead letter.
type ErrorRecord struct {
	At        time.Time `json:"at"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
}

// DeadLetter is an event that failed validation or exceeded the
// quarantine threshold. The payload is never the empty object.
type DeadLetter struct {
	ID           int64
	IngestID     uuid.UUID
	Source       string
	SourceOffset int64
	SourceInode  uint64
	Reason       string

	Payload         json.RawMessage
	PayloadChecksum honeycore.Digest

	RetryCount         int
	ErrorHistory       []ErrorRecord
	ProcessingAttempts []ProcessingAttempt

	Resolved         bool
	ResolvedAt       *time.Time
	ResolutionMethod string

	IdempotencyKey string
	ProcessingLock string
	LockExpiresAt  *time.Time

	Priority       int
	Classification string

	CreatedAt       time.Time
	LastProcessedAt *time.Time
}

// ComputeIdempotencyKey computes the deterministic key for a dead
// letter: a digest over (source, source_offset, payload_checksum).
func (d *DeadLetter) ComputeIdempotencyKey() string {
	b := make([]byte, 0, 64)
	b = append(b, d.Source...)
	b = append(b, '\x00')
	b = appendInt(b, d.SourceOffset)
	b = append(b, '\x00')
	b = append(b, d.PayloadChecksum.String()...)
	return honeycore.DigestBytes(b).String()
}

func appendInt(b []byte, n int64) []byte {
	neg := n < 0
	if neg {
		n = -n
		b = append(b, '-')
	}
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return append(b, tmp[i:]...)
}

// ChecksumOK recomputes the payload checksum and compares it to the
// stored value.
func (d *DeadLetter) ChecksumOK() bool {
	return honeycore.DigestBytes(d.Payload).String() == d.PayloadChecksum.String()
}

// CacheEntry is an L2 enrichment cache row.
type CacheEntry struct {
	Service   string
	Key       string
	Value     json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Sighting is one observation of a source IP, folded into
// ip_inventory.
type Sighting struct {
	IP       string
	SeenAt   time.Time
	Sessions int64
}

// Inventory is the per-IP enrichment state of record.
type Inventory struct {
	IP                  string
	FirstSeen           time.Time
	LastSeen            time.Time
	SessionCount        int64
	Enrichment          json.RawMessage
	CurrentASN          *int64
	EnrichmentUpdatedAt *time.Time
}

// SessionRef names a session and its source address for the flagging
// pass.
type SessionRef struct {
	SessionID string
	SourceIP  string
}

// Download is one file download recorded for a session. Either member
// may be empty when the event did not report it.
type Download struct {
	Hash string
	URL  string
}

// Batch is one loader flush: everything in it commits in a single
// transaction, or none of it does.
type Batch struct {
	Events   []RawEvent
	Sessions []SessionDelta
	// Cursor, when non-nil, is upserted with the batch (delta
	// loader).
	Cursor    *Cursor
	Sightings []Sighting
}

// BatchResult reports what a commit actually did.
type BatchResult struct {
	EventsInserted    int64
	DuplicatesSkipped int64
	SessionsUpserted  int64
}
