package honeycore

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Digest is a content address: an algorithm name and a checksum.
//
// The only algorithm currently produced is "blake2b" (BLAKE2b-256),
// but the representation keeps the algorithm explicit so stored hashes
// survive a future algorithm change.
type Digest struct {
	algo     string
	checksum []byte
}

// Checksum reports the raw checksum bytes.
func (d Digest) Checksum() []byte { return d.checksum }

// Algorithm reports the algorithm name.
func (d Digest) Algorithm() string { return d.algo }

func (d Digest) String() string {
	b, _ := d.MarshalText()
	return string(b)
}

// IsZero reports whether the Digest is the zero value.
func (d Digest) IsZero() bool { return d.algo == "" && len(d.checksum) == 0 }

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	el := hex.EncodedLen(len(d.checksum))
	hl := len(d.algo) + 1
	b := make([]byte, hl+el)
	copy(b, d.algo)
	b[len(d.algo)] = ':'
	hex.Encode(b[hl:], d.checksum)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return fmt.Errorf("invalid digest format")
	}
	d.algo = string(t[:i])
	t = t[i+1:]
	d.checksum = make([]byte, hex.DecodedLen(len(t)))
	if _, err := hex.Decode(d.checksum, t); err != nil {
		return fmt.Errorf("invalid digest format")
	}
	return nil
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	default:
		return fmt.Errorf("invalid digest type %T", i)
	}
}

// Value implements driver.Valuer.
func (d Digest) Value() (driver.Value, error) {
	b, err := d.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// NewDigest constructs a Digest from an algorithm name and raw sum.
func NewDigest(algo string, sum []byte) Digest {
	return Digest{algo: algo, checksum: sum}
}

// ParseDigest parses the "algo:hex" form emitted by MarshalText.
func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

// DigestBytes returns the BLAKE2b-256 digest of the provided bytes.
func DigestBytes(b []byte) Digest {
	sum := blake2b.Sum256(b)
	return Digest{algo: "blake2b", checksum: sum[:]}
}

// DigestPayload hashes the canonical JSON form of an arbitrary payload
// document.
//
// Identity must never depend on map iteration order, so the document is
// canonicalized before hashing: object keys are emitted sorted and
// numbers keep their original literal form.
func DigestPayload(payload map[string]any) (Digest, error) {
	var buf bytes.Buffer
	if err := canonicalJSON(&buf, payload); err != nil {
		return Digest{}, err
	}
	return DigestBytes(buf.Bytes()), nil
}

func canonicalJSON(buf *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := canonicalJSON(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalJSON(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(v.String())
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
