package datastore

import (
	"encoding/json"

	"github.com/quay/honeycore"
)

// The enrichment document stored on ip_inventory is a map of provider
// name to that provider's last result. The original system exposed
// computed attributes on the ORM row; here the projections are plain
// functions so callers ask for what they need.

// GeoCountry projects the country code from an enrichment document.
// DShield's AS country wins over SPUR's geolocation. The "XX" sentinel
// is treated as unknown.
func GeoCountry(doc json.RawMessage) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return ""
	}
	if raw, ok := m["dshield"]; ok {
		var d struct {
			ASCountry string `json:"ascountry"`
		}
		if json.Unmarshal(raw, &d) == nil && validCountry(d.ASCountry) {
			return d.ASCountry
		}
	}
	if raw, ok := m["spur"]; ok {
		var s struct {
			Country string `json:"country"`
		}
		if json.Unmarshal(raw, &s) == nil && validCountry(s.Country) {
			return s.Country
		}
	}
	return ""
}

func validCountry(c string) bool {
	return c != "" && c != "XX"
}

// IPTypes projects the prioritized classification list from an
// enrichment document. The first element is the authoritative type.
func IPTypes(doc json.RawMessage) []honeycore.IPType {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil
	}
	raw, ok := m["ip_classification"]
	if !ok {
		return nil
	}
	var c struct {
		Types  []honeycore.IPType `json:"types"`
		IPType *honeycore.IPType  `json:"ip_type"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	if len(c.Types) > 0 {
		return c.Types
	}
	if c.IPType != nil {
		return []honeycore.IPType{*c.IPType}
	}
	return nil
}

// CurrentASN projects the AS number from an enrichment document,
// preferring DShield's answer.
func CurrentASN(doc json.RawMessage) *int64 {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil
	}
	if raw, ok := m["dshield"]; ok {
		var d struct {
			ASNum *int64 `json:"asnum"`
		}
		if json.Unmarshal(raw, &d) == nil && d.ASNum != nil {
			return d.ASNum
		}
	}
	return nil
}
