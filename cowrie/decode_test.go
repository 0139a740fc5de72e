package cowrie

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/quay/honeycore"
)

func TestDecode(t *testing.T) {
	payload := map[string]any{
		"eventid":   "cowrie.login.failed",
		"session":   "c0ffee01",
		"timestamp": "2026-03-04T05:06:07.123456Z",
		"src_ip":    "198.51.100.7",
		"username":  "root",
		"password":  "hunter2",
		"sensor":    "hp-eu-1",
		"protocol":  "ssh",
		"duration":  json.Number("12.5"),
	}
	e, errs := Decode(payload)
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	want := &honeycore.Event{
		Payload:   payload,
		EventID:   "cowrie.login.failed",
		Kind:      honeycore.KindLoginFailed,
		SessionID: "c0ffee01",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 123456000, time.UTC),
		SrcIP:     "198.51.100.7",
		Username:  "root",
		Password:  "hunter2",
		Sensor:    "hp-eu-1",
		Protocol:  "ssh",
		Duration:  12.5,
	}
	if !cmp.Equal(e, want) {
		t.Error(cmp.Diff(e, want))
	}
}

func TestDecodeAlternateFields(t *testing.T) {
	e, errs := Decode(map[string]any{
		"eventid":    "cowrie.command.input",
		"session_id": "beef",
		"time":       "2026-03-04 05:06:07",
		"command":    "uname -a",
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if got, want := e.SessionID, "beef"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got, want := e.Input, "uname -a"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}
}

func TestDecodeInvalid(t *testing.T) {
	tt := []struct {
		Name    string
		Payload map[string]any
		Fields  []string
	}{
		{
			Name:    "Nil",
			Payload: nil,
			Fields:  []string{"payload"},
		},
		{
			Name:    "Empty",
			Payload: map[string]any{},
			Fields:  []string{"eventid", "timestamp"},
		},
		{
			Name: "BadTimestamp",
			Payload: map[string]any{
				"eventid":   "cowrie.session.connect",
				"timestamp": "yesterday",
			},
			Fields: []string{"timestamp"},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			_, errs := Decode(tc.Payload)
			var got []string
			for _, e := range errs {
				got = append(got, e.Field)
			}
			if !cmp.Equal(got, tc.Fields) {
				t.Error(cmp.Diff(got, tc.Fields))
			}
		})
	}
}

func TestDecodeEpochTimestamp(t *testing.T) {
	e, errs := Decode(map[string]any{
		"eventid":   "cowrie.session.connect",
		"timestamp": json.Number("1767502567.5"),
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if got, want := e.Timestamp, time.Unix(1767502567, 500000000).UTC(); !got.Equal(want) {
		t.Errorf("got: %v, want: %v", got, want)
	}
}
