package libingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/cowrie"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/jsonline"
)

// prepared is the outcome of processing one input line.
type prepared struct {
	// raw is nil for lines that must not reach raw_event
	// (malformed documents and validation failures).
	raw *datastore.RawEvent
	// event is the decoded event, nil when decoding was impossible.
	event *honeycore.Event
	// dead is the dead-letter record for invalid or quarantined
	// lines, nil otherwise.
	dead *datastore.DeadLetter

	invalid     bool
	quarantined bool
}

// sourcePos carries the file coordinates of a line.
type sourcePos struct {
	ingestID   uuid.UUID
	source     string
	inode      uint64
	generation int64
}

// prepare runs one line through sanitization, decoding, scoring, and
// defanging.
func (l *Loader) prepare(line jsonline.Line, pos sourcePos) prepared {
	cowrie.SanitizeTree(line.Payload)

	if line.Malformed {
		return prepared{
			invalid: true,
			dead:    deadLetter(pos, line.Offset, datastore.ReasonValidation, malformedDoc(line.Raw)),
		}
	}

	e, verrs := cowrie.Decode(line.Payload)
	if len(verrs) > 0 {
		return prepared{
			event:   e,
			invalid: true,
			dead:    deadLetter(pos, line.Offset, datastore.ReasonValidation, line.Payload),
		}
	}

	risk := cowrie.RiskScore(e)
	quarantined := risk >= l.opts.QuarantineThreshold
	cowrie.Defang(e, l.opts.Defang)

	hash, err := honeycore.DigestPayload(e.Payload)
	if err != nil {
		// A payload that decoded but cannot re-serialize is
		// unprocessable.
		return prepared{
			event:   e,
			invalid: true,
			dead:    deadLetter(pos, line.Offset, datastore.ReasonValidation, e.Payload),
		}
	}
	body, _ := json.Marshal(e.Payload)

	p := prepared{
		event:       e,
		quarantined: quarantined,
		raw: &datastore.RawEvent{
			IngestID:         pos.ingestID,
			Source:           pos.source,
			SourceInode:      pos.inode,
			SourceGeneration: pos.generation,
			SourceOffset:     line.Offset,
			Payload:          body,
			PayloadHash:      hash,
			SessionID:        e.SessionID,
			EventType:        e.EventID,
			EventTimestamp:   e.Timestamp,
			RiskScore:        risk,
			Quarantined:      quarantined,
		},
	}
	if quarantined {
		p.dead = deadLetter(pos, line.Offset, datastore.ReasonQuarantined, e.Payload)
	}
	return p
}

// malformedDoc wraps an undecodable line for dead-letter storage; the
// payload is never the empty object.
func malformedDoc(raw string) map[string]any {
	return map[string]any{
		"_dead_letter":       true,
		"_reason":            datastore.ReasonValidation,
		"_malformed_content": raw,
		"_timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func deadLetter(pos sourcePos, offset int64, reason string, payload map[string]any) *datastore.DeadLetter {
	body, err := json.Marshal(payload)
	if err != nil || len(payload) == 0 {
		body, _ = json.Marshal(malformedDoc(""))
	}
	d := &datastore.DeadLetter{
		IngestID:        pos.ingestID,
		Source:          pos.source,
		SourceOffset:    offset,
		SourceInode:     pos.inode,
		Reason:          reason,
		Payload:         body,
		PayloadChecksum: honeycore.DigestBytes(body),
	}
	d.IdempotencyKey = d.ComputeIdempotencyKey()
	return d
}
