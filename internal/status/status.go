// Package status writes per-phase JSON progress files for operators.
//
// Each phase owns one file under the status directory. Files are
// rewritten whole on every update: the document is written to a
// temporary file in the same directory and renamed over the target, so
// readers never observe a torn write.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quay/zlog"
)

// DeadLetter summarizes dead-letter activity for a phase.
type DeadLetter struct {
	Total       int64     `json:"total"`
	LastReason  string    `json:"last_reason,omitempty"`
	LastSource  string    `json:"last_source,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Document is one phase's status file.
type Document struct {
	Phase       string         `json:"phase"`
	IngestID    string         `json:"ingest_id,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	Checkpoint  any            `json:"checkpoint,omitempty"`
	DeadLetter  *DeadLetter    `json:"dead_letter,omitempty"`
}

// Emitter writes status documents. Updates are serialized by an
// internal lock so concurrent phases in one process cannot interleave
// temp files.
type Emitter struct {
	mu  sync.Mutex
	dir string
}

// NewEmitter returns an Emitter rooted at dir, creating it if needed.
func NewEmitter(dir string) (*Emitter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	return &Emitter{dir: dir}, nil
}

// Write records the document for its phase. The LastUpdated member is
// stamped on the way out.
func (e *Emitter) Write(ctx context.Context, doc Document) error {
	if doc.Phase == "" {
		return fmt.Errorf("status: document has no phase")
	}
	doc.LastUpdated = time.Now().UTC()
	b, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.CreateTemp(e.dir, "."+doc.Phase+".*")
	if err != nil {
		return fmt.Errorf("failed to create status temp file: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	target := filepath.Join(e.dir, doc.Phase+".json")
	if err := os.Rename(name, target); err != nil {
		return fmt.Errorf("failed to publish status file: %w", err)
	}
	zlog.Debug(ctx).
		Str("component", "internal/status/Emitter.Write").
		Str("phase", doc.Phase).
		Msg("status file updated")
	return nil
}
