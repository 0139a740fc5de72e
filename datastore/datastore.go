// Package datastore defines the storage interfaces for the ingestion
// and enrichment pipeline, along with the record types that cross
// them.
//
// Concrete implementations live in the postgres and sqlite
// subpackages. Interfaces are deliberately narrow; the loader composes
// the ones it needs.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quay/honeycore"
)

// ErrNotFound is returned by point lookups that matched nothing.
var ErrNotFound = errors.New("datastore: not found")

// ErrLocked is returned when a dead-letter processing lock is held by
// someone else and not yet expired.
var ErrLocked = errors.New("datastore: processing lock held")

// EventStore persists raw events and session summaries.
type EventStore interface {
	// CommitBatch writes one loader flush atomically: batched
	// insert-or-ignore of raw events on the natural key, additive
	// UPSERT of session deltas, sighting updates, and the cursor if
	// present.
	CommitBatch(ctx context.Context, b *Batch) (BatchResult, error)

	// MaxSourcePosition reports the greatest (generation, offset)
	// ingested for a source, for cursor bootstrap. ok is false when
	// the source has no rows.
	MaxSourcePosition(ctx context.Context, source string) (generation, offset int64, ok bool, err error)

	// FirstPayloadHash reports the payload hash at offset 0 of the
	// given source generation.
	FirstPayloadHash(ctx context.Context, source string, generation int64) (honeycore.Digest, bool, error)

	// SanitizeStored re-runs unicode sanitization over persisted
	// payloads and session source-file sets, returning the number of
	// rows rewritten.
	SanitizeStored(ctx context.Context) (int64, error)
}

// CursorStore tracks per-source ingest positions.
type CursorStore interface {
	GetCursor(ctx context.Context, source string) (*Cursor, error)
	UpsertCursor(ctx context.Context, c *Cursor) error
}

// DeadLetterStore is the dead-letter queue.
type DeadLetterStore interface {
	// InsertDeadLetters inserts best-effort as a batch; on an
	// integrity failure implementations fall back to per-row
	// inserts, skipping conflicting idempotency keys.
	InsertDeadLetters(ctx context.Context, ds []DeadLetter) (int64, error)

	// AcquireLock claims a dead letter for processing. It fails
	// with ErrLocked if a non-expired lock exists.
	AcquireLock(ctx context.Context, id int64, lock uuid.UUID, ttl time.Duration) error
	ReleaseLock(ctx context.Context, id int64, lock uuid.UUID) error

	RecordAttempt(ctx context.Context, id int64, a ProcessingAttempt) error
	RecordError(ctx context.Context, id int64, e ErrorRecord) error
	MarkResolved(ctx context.Context, id int64, method string) error

	ListUnresolved(ctx context.Context, limit int) ([]DeadLetter, error)
	CountDeadLetters(ctx context.Context) (total int64, unresolved int64, err error)
}

// CacheStore is the L2 enrichment cache.
type CacheStore interface {
	// GetCache returns the unexpired value for (service, key).
	// Expired rows are deleted on the way out and reported as
	// ErrNotFound.
	GetCache(ctx context.Context, service, key string) (json.RawMessage, error)
	PutCache(ctx context.Context, service, key string, value json.RawMessage, ttl time.Duration) error
	// CleanupExpired deletes expired rows, or only counts them when
	// dryRun is set.
	CleanupExpired(ctx context.Context, dryRun bool) (int64, error)
}

// InventoryStore is the per-IP enrichment state of record.
type InventoryStore interface {
	GetInventory(ctx context.Context, ip string) (*Inventory, error)
	// UpdateEnrichment stores the merged enrichment document for an
	// IP, creating the row if needed.
	UpdateEnrichment(ctx context.Context, ip string, doc json.RawMessage, asn *int64) error
	// GetSnapshots batch-projects snapshot fields for the given IPs.
	// Missing IPs are absent from the returned map.
	GetSnapshots(ctx context.Context, ips []string) (map[string]Snapshot, error)
}

// SessionEnrichStore drives the session flagging pass: enrichment
// results are folded back onto session_summary rows.
type SessionEnrichStore interface {
	// UnflaggedSessions lists sessions with a known source IP that
	// have not been through an enrichment pass, newest first.
	UnflaggedSessions(ctx context.Context, limit int) ([]SessionRef, error)
	// SessionDownloads lists the file downloads recorded for a
	// session.
	SessionDownloads(ctx context.Context, sessionID string) ([]Download, error)
	// FlagSession ORs the threat flags into the session row and
	// stamps the enrichment time.
	FlagSession(ctx context.Context, sessionID string, vt, dshield bool) error
}

// SSHKeyStore re-derives SSH key injection aggregates from stored
// events.
type SSHKeyStore interface {
	// BackfillSSHKeys re-runs key extraction over stored command
	// events and rewrites the per-session key aggregates, returning
	// the number of sessions updated.
	BackfillSSHKeys(ctx context.Context) (int64, error)
	// ExportSSHKeys returns the per-session key fingerprints for
	// sessions with at least one key.
	ExportSSHKeys(ctx context.Context) (map[string][]string, error)
}

// Store is the full set an embedding application usually wants.
type Store interface {
	EventStore
	CursorStore
	DeadLetterStore
	CacheStore
	InventoryStore
	SessionEnrichStore
	SSHKeyStore
	Close(ctx context.Context) error
}
