package enrichcache

import (
	"context"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FS is the filesystem tier. Keys shard into subdirectories so no
// single directory accumulates millions of entries: IPs by octet,
// hashes by hex fragment, HIBP prefixes by their first two characters.
// Writes are temp-file-and-rename, so a reader never sees a torn
// entry.
type FS struct {
	root string
	ttl  time.Duration
}

// fsEntry is the on-disk envelope.
type fsEntry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewFS returns an FS rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FS{root: dir, ttl: l3TTL}, nil
}

// Get returns the stored value for (service, key). Expired entries are
// removed on access.
func (c *FS) Get(_ context.Context, service, key string) (json.RawMessage, error) {
	name := c.path(service, key)
	b, err := os.ReadFile(name)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return nil, ErrNotFound
	default:
		return nil, err
	}
	var e fsEntry
	if err := json.Unmarshal(b, &e); err != nil {
		// An undecodable entry is treated as absent and cleared.
		os.Remove(name)
		return nil, ErrNotFound
	}
	if time.Now().After(e.ExpiresAt) {
		os.Remove(name)
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// Put stores the value for (service, key).
func (c *FS) Put(_ context.Context, service, key string, value json.RawMessage) error {
	now := time.Now().UTC()
	b, err := json.Marshal(&fsEntry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return err
	}
	name := c.path(service, key)
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".entry.*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

func (c *FS) path(service, key string) string {
	return filepath.Join(c.root, service, shard(service, key)+".json")
}

// shard maps a key onto a relative path fragment.
func shard(service, key string) string {
	if service == ServiceHIBP && len(key) >= 2 {
		return filepath.Join(strings.ToLower(key[:2]), safeName(key))
	}
	if addr, err := netip.ParseAddr(key); err == nil && addr.Is4() {
		o := addr.As4()
		return filepath.Join(
			itoa(o[0]), itoa(o[1]), itoa(o[2]), itoa(o[3]),
		)
	}
	if isHex(key) && len(key) >= 8 {
		k := strings.ToLower(key)
		return filepath.Join(k[:2], k[2:4], safeName(k))
	}
	return safeName(key)
}

func itoa(b byte) string {
	var buf [3]byte
	i := len(buf)
	n := int(b)
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(buf[i:])
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// safeName keeps keys from escaping the shard directory or colliding
// with path syntax.
func safeName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}
