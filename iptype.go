package honeycore

import (
	"database/sql/driver"
	"fmt"
)

// IPType is the classification assigned to a source IP.
type IPType uint

const (
	IPUnknown IPType = iota
	IPTor
	IPCloud
	IPDatacenter
	IPResidential
)

var ipTypeNames = [...]string{
	IPUnknown:     "unknown",
	IPTor:         "tor",
	IPCloud:       "cloud",
	IPDatacenter:  "datacenter",
	IPResidential: "residential",
}

func (t IPType) String() string {
	if int(t) < len(ipTypeNames) {
		return ipTypeNames[t]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t IPType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *IPType) UnmarshalText(b []byte) error {
	for i, n := range ipTypeNames {
		if n == string(b) {
			*t = IPType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ip type %q", string(b))
}

// Value implements driver.Valuer.
func (t IPType) Value() (driver.Value, error) {
	return t.String(), nil
}

// Scan implements sql.Scanner.
func (t *IPType) Scan(i interface{}) error {
	switch v := i.(type) {
	case nil:
		*t = IPUnknown
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	default:
		return fmt.Errorf("unable to scan IPType from type %T", i)
	}
	return nil
}
