package honeycore

import (
	"strings"
	"time"
)

// EventKind is the closed set of honeypot event shapes the system
// understands. Anything else decodes as KindOther with the raw eventid
// preserved on the Event.
type EventKind uint

//go:generate stringer -type=EventKind

const (
	KindOther EventKind = iota
	KindSessionConnect
	KindCommandInput
	KindFileDownload
	KindLoginSuccess
	KindLoginFailed
	KindSessionClosed
)

var kindNames = [...]string{
	KindOther:          "Other",
	KindSessionConnect: "SessionConnect",
	KindCommandInput:   "CommandInput",
	KindFileDownload:   "FileDownload",
	KindLoginSuccess:   "LoginSuccess",
	KindLoginFailed:    "LoginFailed",
	KindSessionClosed:  "SessionClosed",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Other"
}

// KindForEventID maps a cowrie eventid onto an EventKind.
func KindForEventID(eventid string) EventKind {
	switch eventid {
	case "cowrie.session.connect":
		return KindSessionConnect
	case "cowrie.command.input", "cowrie.command.failed":
		return KindCommandInput
	case "cowrie.session.file_download":
		return KindFileDownload
	case "cowrie.login.success":
		return KindLoginSuccess
	case "cowrie.login.failed":
		return KindLoginFailed
	case "cowrie.session.closed":
		return KindSessionClosed
	}
	return KindOther
}

// Event is one decoded honeypot event.
//
// The Payload member retains the full original document; the named
// members are projections of the fields the pipeline acts on. Callers
// must treat Payload as the source of truth for persistence.
type Event struct {
	// Payload is the original event document, post-sanitization.
	Payload map[string]any

	EventID   string
	Kind      EventKind
	SessionID string
	Timestamp time.Time
	SrcIP     string
	Input     string
	SHASum    string
	URL       string
	Filename  string
	Sensor    string
	Protocol  string
	Username  string
	Password  string
	Size      int64
	Duration  float64
}

// IsCommand reports whether the eventid carries a command hint.
func (e *Event) IsCommand() bool {
	return strings.Contains(e.EventID, "cowrie.command") ||
		strings.Contains(e.EventID, "command")
}

// ValidationError is a single validation failure for an event.
//
// Validation failures are values, not panics or sentinel errors; a
// decoded event carries zero or more of them and the loader decides
// what to do with the lot.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (v ValidationError) Error() string {
	return v.Field + ": " + v.Reason
}
