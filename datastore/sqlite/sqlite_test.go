package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
)

func mkStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func mkEvent(t *testing.T, source string, offset int64, payload map[string]any) datastore.RawEvent {
	t.Helper()
	hash, err := honeycore.DigestPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	session, _ := payload["session"].(string)
	eventid, _ := payload["eventid"].(string)
	return datastore.RawEvent{
		IngestID:       uuid.New(),
		Source:         source,
		SourceInode:    42,
		SourceOffset:   offset,
		Payload:        body,
		PayloadHash:    hash,
		SessionID:      session,
		EventType:      eventid,
		EventTimestamp: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestSchemaVersion(t *testing.T) {
	s := mkStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("got: %d, want: 1", v)
	}
}

func TestCommitBatchExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	b := &datastore.Batch{
		Events: []datastore.RawEvent{
			mkEvent(t, "log.json", 0, map[string]any{
				"eventid": "cowrie.session.connect", "session": "s1",
			}),
			mkEvent(t, "log.json", 1, map[string]any{
				"eventid": "cowrie.command.input", "session": "s1", "input": "ls",
			}),
		},
		Sessions: []datastore.SessionDelta{{
			SessionID:    "s1",
			EventCount:   2,
			CommandCount: 1,
			FirstEventAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
			LastEventAt:  time.Date(2026, 5, 6, 7, 9, 0, 0, time.UTC),
			RiskScore:    20,
			SourceFiles:  []string{"log.json"},
			SourceIP:     "198.51.100.7",
		}},
		Sightings: []datastore.Sighting{{
			IP: "198.51.100.7", SeenAt: time.Date(2026, 5, 6, 7, 9, 0, 0, time.UTC), Sessions: 1,
		}},
	}
	res, err := s.CommitBatch(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	want := datastore.BatchResult{EventsInserted: 2, SessionsUpserted: 1}
	if !cmp.Equal(res, want) {
		t.Error(cmp.Diff(res, want))
	}

	// The same batch again: every event is a duplicate, the session
	// counters must still merge additively.
	res, err = s.CommitBatch(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	want = datastore.BatchResult{DuplicatesSkipped: 2, SessionsUpserted: 1}
	if !cmp.Equal(res, want) {
		t.Error(cmp.Diff(res, want))
	}

	var count, riskMax int64
	if err := s.db.QueryRow(`SELECT event_count, risk_score FROM session_summary WHERE session_id = 's1';`).Scan(&count, &riskMax); err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("event_count: got: %d, want: 4", count)
	}
	if riskMax != 20 {
		t.Errorf("risk_score: got: %d, want: 20", riskMax)
	}
}

func TestCommitBatchMergesSessionSets(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	first := &datastore.Batch{Sessions: []datastore.SessionDelta{{
		SessionID:        "s1",
		EventCount:       1,
		SourceFiles:      []string{"a.json"},
		SSHKeyInjections: 1,
		SSHKeys:          []string{"SHA256:aaa"},
	}}}
	if _, err := s.CommitBatch(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &datastore.Batch{Sessions: []datastore.SessionDelta{{
		SessionID:   "s1",
		EventCount:  1,
		SourceFiles: []string{"a.json", "b.json"},
	}}}
	if _, err := s.CommitBatch(ctx, second); err != nil {
		t.Fatal(err)
	}

	var files, keys string
	if err := s.db.QueryRow(`SELECT source_files, unique_ssh_keys FROM session_summary WHERE session_id = 's1';`).Scan(&files, &keys); err != nil {
		t.Fatal(err)
	}
	var gotFiles, gotKeys []string
	if err := json.Unmarshal([]byte(files), &gotFiles); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(keys), &gotKeys); err != nil {
		t.Fatal(err)
	}
	if want := []string{"a.json", "b.json"}; !cmp.Equal(gotFiles, want) {
		t.Error(cmp.Diff(gotFiles, want))
	}
	// A later batch with no key sightings must not erase earlier ones.
	if want := []string{"SHA256:aaa"}; !cmp.Equal(gotKeys, want) {
		t.Error(cmp.Diff(gotKeys, want))
	}
}

func TestMaxSourcePosition(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	if _, _, ok, err := s.MaxSourcePosition(ctx, "none"); err != nil || ok {
		t.Fatalf("got: ok=%v err=%v, want: no rows", ok, err)
	}
	b := &datastore.Batch{Events: []datastore.RawEvent{
		mkEvent(t, "log.json", 0, map[string]any{"eventid": "e", "session": "s1"}),
		mkEvent(t, "log.json", 7, map[string]any{"eventid": "e2", "session": "s1"}),
	}}
	b.Events[1].SourceGeneration = 2
	if _, err := s.CommitBatch(ctx, b); err != nil {
		t.Fatal(err)
	}
	gen, off, ok, err := s.MaxSourcePosition(ctx, "log.json")
	if err != nil || !ok {
		t.Fatalf("unexpected: ok=%v err=%v", ok, err)
	}
	if gen != 2 || off != 7 {
		t.Errorf("got: (%d, %d), want: (2, 7)", gen, off)
	}

	hash, ok, err := s.FirstPayloadHash(ctx, "log.json", 0)
	if err != nil || !ok {
		t.Fatalf("unexpected: ok=%v err=%v", ok, err)
	}
	if hash.String() != b.Events[0].PayloadHash.String() {
		t.Errorf("got: %q, want: %q", hash, b.Events[0].PayloadHash)
	}
	if _, ok, _ := s.FirstPayloadHash(ctx, "log.json", 9); ok {
		t.Error("expected no hash for unknown generation")
	}
}

func TestCursorRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	if _, err := s.GetCursor(ctx, "log.json"); !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("got: %v, want: ErrNotFound", err)
	}
	in := &datastore.Cursor{
		Source:       "log.json",
		Inode:        42,
		LastOffset:   99,
		LastIngestID: uuid.New(),
		Generation:   3,
		FirstHash:    honeycore.DigestBytes([]byte("first")),
	}
	if err := s.UpsertCursor(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCursor(ctx, "log.json")
	if err != nil {
		t.Fatal(err)
	}
	got.UpdatedAt = time.Time{}
	if !cmp.Equal(got, in, cmp.AllowUnexported(honeycore.Digest{})) {
		t.Error(cmp.Diff(got, in, cmp.AllowUnexported(honeycore.Digest{})))
	}
}

func mkDeadLetter(source string, offset int64, payload string) datastore.DeadLetter {
	d := datastore.DeadLetter{
		IngestID:        uuid.New(),
		Source:          source,
		SourceOffset:    offset,
		Reason:          datastore.ReasonValidation,
		Payload:         json.RawMessage(payload),
		PayloadChecksum: honeycore.DigestBytes([]byte(payload)),
	}
	return d
}

func TestDeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)

	ds := []datastore.DeadLetter{
		mkDeadLetter("log.json", 3, `{"broken":1}`),
		mkDeadLetter("log.json", 3, `{"broken":1}`), // same idempotency key
		mkDeadLetter("log.json", 4, `{"broken":2}`),
	}
	ds[2].Priority = 9
	n, err := s.InsertDeadLetters(ctx, ds)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("got: %d inserts, want: 2", n)
	}

	unresolved, err := s.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unresolved) != 2 {
		t.Fatalf("got: %d rows, want: 2", len(unresolved))
	}
	// Priority orders the queue.
	if unresolved[0].SourceOffset != 4 {
		t.Errorf("high-priority row not first: %+v", unresolved[0])
	}
	if !unresolved[0].ChecksumOK() {
		t.Error("checksum mismatch on read-back")
	}

	id := unresolved[0].ID
	me, other := uuid.New(), uuid.New()
	if err := s.AcquireLock(ctx, id, me, time.Minute); err != nil {
		t.Fatal(err)
	}
	// Lock is exclusive but reentrant for the holder.
	if err := s.AcquireLock(ctx, id, other, time.Minute); !errors.Is(err, datastore.ErrLocked) {
		t.Fatalf("got: %v, want: ErrLocked", err)
	}
	if err := s.AcquireLock(ctx, id, me, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireLock(ctx, 9999, me, time.Minute); !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("got: %v, want: ErrNotFound", err)
	}

	if err := s.RecordAttempt(ctx, id, datastore.ProcessingAttempt{
		At: time.Now().UTC(), Method: "replay", Success: false, Duration: 0.1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordError(ctx, id, datastore.ErrorRecord{
		At: time.Now().UTC(), ErrorType: "validation", Message: "still broken",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkResolved(ctx, id, "manual"); err != nil {
		t.Fatal(err)
	}

	unresolved, err = s.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("got: %d rows, want: 1", len(unresolved))
	}
	total, open, err := s.CountDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || open != 1 {
		t.Errorf("got: (%d, %d), want: (2, 1)", total, open)
	}
}

func TestDeadLetterHistoryAppends(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	if _, err := s.InsertDeadLetters(ctx, []datastore.DeadLetter{mkDeadLetter("l", 0, `{}`)}); err != nil {
		t.Fatal(err)
	}
	ds, err := s.ListUnresolved(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	id := ds[0].ID
	for i := 0; i < 3; i++ {
		if err := s.RecordError(ctx, id, datastore.ErrorRecord{
			At: time.Now().UTC(), ErrorType: "decode", Message: "nope",
		}); err != nil {
			t.Fatal(err)
		}
	}
	ds, err = s.ListUnresolved(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(ds[0].ErrorHistory); got != 3 {
		t.Errorf("got: %d errors, want: 3", got)
	}
	if got := ds[0].RetryCount; got != 3 {
		t.Errorf("got: retry_count %d, want: 3", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	doc := json.RawMessage(`{"count":1}`)
	if err := s.PutCache(ctx, "dshield", "198.51.100.7", doc, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCache(ctx, "dshield", "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, doc) {
		t.Error(cmp.Diff(got, doc))
	}

	if err := s.PutCache(ctx, "dshield", "gone", doc, -time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCache(ctx, "dshield", "gone"); !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("got: %v, want: ErrNotFound", err)
	}

	if err := s.PutCache(ctx, "dshield", "stale", doc, -time.Hour); err != nil {
		t.Fatal(err)
	}
	n, err := s.CleanupExpired(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("dry run: got: %d, want: 1", n)
	}
	if n, err = s.CleanupExpired(ctx, false); err != nil || n != 1 {
		t.Errorf("cleanup: got: (%d, %v), want: (1, nil)", n, err)
	}
}

func TestInventorySnapshots(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	asn := int64(64496)
	doc := json.RawMessage(`{
		"dshield": {"ascountry": "NL", "asnum": 64496, "count": 3},
		"ip_classification": {"ip_type": "datacenter", "confidence": 0.75}
	}`)
	if err := s.UpdateEnrichment(ctx, "198.51.100.7", doc, &asn); err != nil {
		t.Fatal(err)
	}
	// The XX sentinel projects as no country.
	xx := json.RawMessage(`{"dshield": {"ascountry": "XX"}}`)
	if err := s.UpdateEnrichment(ctx, "203.0.113.9", xx, nil); err != nil {
		t.Fatal(err)
	}

	inv, err := s.GetInventory(ctx, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	if inv.CurrentASN == nil || *inv.CurrentASN != asn {
		t.Errorf("got: %v, want: %d", inv.CurrentASN, asn)
	}

	snaps, err := s.GetSnapshots(ctx, []string{"198.51.100.7", "203.0.113.9", "192.0.2.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got: %d snapshots, want: 2", len(snaps))
	}
	sn := snaps["198.51.100.7"]
	if sn.Country == nil || *sn.Country != "NL" {
		t.Errorf("country: got: %v", sn.Country)
	}
	if sn.IPType == nil || *sn.IPType != honeycore.IPDatacenter {
		t.Errorf("ip type: got: %v", sn.IPType)
	}
	if sn := snaps["203.0.113.9"]; sn.Country != nil {
		t.Errorf("XX country must project as nil, got: %v", *sn.Country)
	}
	if _, err := s.GetInventory(ctx, "192.0.2.1"); !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("got: %v, want: ErrNotFound", err)
	}
}

func TestSessionFlagging(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	b := &datastore.Batch{
		Events: []datastore.RawEvent{
			mkEvent(t, "log.json", 0, map[string]any{
				"eventid": "cowrie.session.file_download", "session": "s1",
				"shasum": "275a021b", "url": "http://evil.example/a.sh",
			}),
		},
		Sessions: []datastore.SessionDelta{{
			SessionID:     "s1",
			EventCount:    1,
			FileDownloads: 1,
			LastEventAt:   time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
			SourceIP:      "198.51.100.7",
		}},
	}
	if _, err := s.CommitBatch(ctx, b); err != nil {
		t.Fatal(err)
	}

	refs, err := s.UnflaggedSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	wantRefs := []datastore.SessionRef{{SessionID: "s1", SourceIP: "198.51.100.7"}}
	if !cmp.Equal(refs, wantRefs) {
		t.Error(cmp.Diff(refs, wantRefs))
	}

	dls, err := s.SessionDownloads(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	wantDls := []datastore.Download{{Hash: "275a021b", URL: "http://evil.example/a.sh"}}
	if !cmp.Equal(dls, wantDls) {
		t.Error(cmp.Diff(dls, wantDls))
	}

	if err := s.FlagSession(ctx, "s1", true, false); err != nil {
		t.Fatal(err)
	}
	// Flags only ever turn on: a later pass reporting false must not
	// clear the earlier true.
	if err := s.FlagSession(ctx, "s1", false, true); err != nil {
		t.Fatal(err)
	}
	var vt, dshield bool
	var at *time.Time
	if err := s.db.QueryRow(`SELECT vt_flagged, dshield_flagged, enrichment_at FROM session_summary WHERE session_id = 's1';`).Scan(&vt, &dshield, &at); err != nil {
		t.Fatal(err)
	}
	if !vt || !dshield {
		t.Errorf("flags: got: (%v, %v), want: (true, true)", vt, dshield)
	}
	if at == nil {
		t.Error("enrichment_at not stamped")
	}

	refs, err = s.UnflaggedSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("got: %d pending sessions, want: 0", len(refs))
	}
}

func TestSSHKeyBackfillExport(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	const keyCmd = `echo "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIATscIafmzkGjrrCHHpu9TAi9Lxeh7iG0Op26rNQ35/c root@eva" >> ~/.ssh/authorized_keys`
	b := &datastore.Batch{
		Events: []datastore.RawEvent{
			mkEvent(t, "log.json", 0, map[string]any{
				"eventid": "cowrie.command.input", "session": "s1", "input": keyCmd,
			}),
			mkEvent(t, "log.json", 1, map[string]any{
				"eventid": "cowrie.command.input", "session": "s2", "input": "ls",
			}),
		},
		Sessions: []datastore.SessionDelta{
			{SessionID: "s1", EventCount: 1},
			{SessionID: "s2", EventCount: 1},
		},
	}
	if _, err := s.CommitBatch(ctx, b); err != nil {
		t.Fatal(err)
	}
	n, err := s.BackfillSSHKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got: %d sessions updated, want: 1", n)
	}
	keys, err := s.ExportSSHKeys(ctx)
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

func TestSanitizeStored(t *testing.T) {
	ctx := context.Background()
	s := mkStore(t)
	dirty := map[string]any{
		"eventid": "cowrie.command.input",
		"session": "s1",
		"input":   "ls\x1b[31m",
	}
	b := &datastore.Batch{
		Events: []datastore.RawEvent{
			mkEvent(t, "log.json", 0, dirty),
			mkEvent(t, "log.json", 1, map[string]any{
				"eventid": "cowrie.command.input", "session": "s1", "input": "clean",
			}),
		},
		Sessions: []datastore.SessionDelta{{SessionID: "s1", EventCount: 2}},
	}
	if _, err := s.CommitBatch(ctx, b); err != nil {
		t.Fatal(err)
	}
	n, err := s.SanitizeStored(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("got: %d rows rewritten, want: 1", n)
	}
	var payload string
	if err := s.db.QueryRow(`SELECT payload FROM raw_event WHERE source_offset = 0;`).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		t.Fatal(err)
	}
	if got, want := doc["input"], "ls[31m"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
