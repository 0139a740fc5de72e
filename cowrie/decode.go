// Package cowrie decodes and neutralizes Cowrie honeypot events.
//
// Decoding is total: any object payload yields an Event plus a list of
// validation errors. Callers never see a panic or an exception-style
// control flow for bad events; what to do with an invalid event is the
// loader's decision.
package cowrie

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/quay/honeycore"
)

// Decode projects a payload document into an Event.
//
// The returned validation errors, if any, mean the event must not be
// persisted as a raw event; the loader routes such events to the
// dead-letter queue.
func Decode(payload map[string]any) (*honeycore.Event, []honeycore.ValidationError) {
	var errs []honeycore.ValidationError
	e := &honeycore.Event{Payload: payload}

	if payload == nil {
		return e, append(errs, honeycore.ValidationError{Field: "payload", Reason: "not an object"})
	}

	e.EventID = stringField(payload, "eventid")
	if e.EventID == "" {
		errs = append(errs, honeycore.ValidationError{Field: "eventid", Reason: "missing"})
	}
	e.Kind = honeycore.KindForEventID(e.EventID)

	e.SessionID = stringField(payload, "session")
	if e.SessionID == "" {
		e.SessionID = stringField(payload, "session_id")
	}

	ts, ok := timestampField(payload)
	if !ok {
		errs = append(errs, honeycore.ValidationError{Field: "timestamp", Reason: "missing or unparseable"})
	}
	e.Timestamp = ts

	e.SrcIP = stringField(payload, "src_ip")
	e.Input = stringField(payload, "input")
	if e.Input == "" {
		e.Input = stringField(payload, "command")
	}
	e.SHASum = stringField(payload, "shasum")
	e.URL = stringField(payload, "url")
	e.Filename = stringField(payload, "filename")
	if e.Filename == "" {
		e.Filename = stringField(payload, "destfile")
	}
	e.Sensor = stringField(payload, "sensor")
	e.Protocol = stringField(payload, "protocol")
	e.Username = stringField(payload, "username")
	e.Password = stringField(payload, "password")
	e.Size = intField(payload, "size")
	e.Duration = floatField(payload, "duration")

	return e, errs
}

func stringField(m map[string]any, k string) string {
	if v, ok := m[k].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, k string) int64 {
	switch v := m[k].(type) {
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return n
		}
	case float64:
		return int64(v)
	}
	return 0
}

func floatField(m map[string]any, k string) float64 {
	switch v := m[k].(type) {
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f
		}
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// Timestamp layouts observed in cowrie logs, in rough order of
// frequency.
var tsLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func timestampField(m map[string]any) (time.Time, bool) {
	for _, key := range []string{"timestamp", "time"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch v := v.(type) {
		case string:
			for _, l := range tsLayouts {
				if t, err := time.Parse(l, v); err == nil {
					return t.UTC(), true
				}
			}
		case json.Number:
			if f, err := v.Float64(); err == nil {
				sec := int64(f)
				nsec := int64((f - float64(sec)) * 1e9)
				return time.Unix(sec, nsec).UTC(), true
			}
		case float64:
			sec := int64(v)
			nsec := int64((v - float64(sec)) * 1e9)
			return time.Unix(sec, nsec).UTC(), true
		}
	}
	return time.Time{}, false
}
