package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stagegate.org/internal/kv"
)

func newLedger(t *testing.T, opts ...Option) (*Ledger, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	l, err := New(context.Background(), store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, store
}

func record(t *testing.T, l *Ledger, action Action, project, user string) Entry {
	t.Helper()
	e, err := l.Record(context.Background(), Input{Action: action, ProjectID: project, UserID: user})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return e
}

func TestChainIntegrityAndGenesis(t *testing.T) {
	l, _ := newLedger(t)

	first := record(t, l, ActionProjectCreate, "P1", "u1")
	second := record(t, l, ActionStageAdvance, "P1", "u1")
	third := record(t, l, ActionApprovalRequest, "P1", "u2")

	if first.PrevHash != GenesisHash {
		t.Fatalf("first entry must link to genesis, got %q", first.PrevHash)
	}
	if second.PrevHash != first.Hash || third.PrevHash != second.Hash {
		t.Fatal("entries do not link to their predecessors")
	}

	if res := l.Verify(); !res.Valid {
		t.Fatalf("fresh chain should verify: %+v", res)
	}
}

func TestTamperedContentIsReported(t *testing.T) {
	l, _ := newLedger(t)
	for i := 0; i < 4; i++ {
		record(t, l, ActionPaymentRecord, "P1", "u1")
	}

	l.entries[2].UserID = "intruder"

	res := l.Verify()
	if res.Valid {
		t.Fatal("tampered chain verified")
	}
	if res.Index != 2 {
		t.Fatalf("expected first mismatch at index 2, got %d (%s)", res.Index, res.Reason)
	}
	if res.Entry == nil || res.Entry.UserID != "intruder" {
		t.Fatalf("result should carry the tampered entry: %+v", res.Entry)
	}
}

func TestRederivedHashBreaksTheLink(t *testing.T) {
	l, _ := newLedger(t)
	for i := 0; i < 3; i++ {
		record(t, l, ActionFundingCommit, "P1", "fin")
	}

	// an attacker who re-derives the tampered entry's hash still breaks the
	// successor's previous_hash link
	l.entries[1].Details = map[string]any{"amount": 999}
	rehash, err := contentHash(SHA256{}, l.entries[1])
	if err != nil {
		t.Fatal(err)
	}
	l.entries[1].Hash = rehash

	res := l.Verify()
	if res.Valid {
		t.Fatal("re-derived tamper verified")
	}
	if res.Index != 2 {
		t.Fatalf("expected broken link at index 2, got %d (%s)", res.Index, res.Reason)
	}
}

func TestFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	l, _ := newLedger(t, WithClock(func() time.Time {
		ts := base.Add(time.Duration(tick) * time.Hour)
		tick++
		return ts
	}))

	record(t, l, ActionProjectCreate, "P1", "pm")  // 09:00
	record(t, l, ActionPaymentRecord, "P1", "fin") // 10:00
	record(t, l, ActionPaymentRecord, "P2", "fin") // 11:00
	record(t, l, ActionQACheckpoint, "P2", "qa")   // 12:00

	if got := l.History("P1"); len(got) != 2 {
		t.Fatalf("P1 history = %d entries", len(got))
	}
	if got := l.ByAction(ActionPaymentRecord); len(got) != 2 {
		t.Fatalf("payment entries = %d", len(got))
	}
	if got := l.ByUser("qa"); len(got) != 1 || got[0].Action != ActionQACheckpoint {
		t.Fatalf("qa entries = %+v", got)
	}

	// inclusive bounds on both ends
	got := l.ByDateRange(base.Add(time.Hour), base.Add(2*time.Hour))
	if len(got) != 2 {
		t.Fatalf("date range = %d entries, want 2", len(got))
	}
	if got[0].Timestamp.Hour() != 10 || got[1].Timestamp.Hour() != 11 {
		t.Fatalf("date range picked wrong entries: %+v", got)
	}
}

func TestExportCSVEscaping(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Record(context.Background(), Input{
		Action:    ActionCommentAdd,
		ProjectID: "P1",
		UserID:    "u1",
		Details:   map[string]any{"text": `said "no, too costly"`},
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := l.ExportCSV()
	if err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("export is not parseable CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d", len(rows))
	}
	header := strings.Join(rows[0], ",")
	if header != "timestamp,action,projectId,userId,details,hash" {
		t.Fatalf("unexpected header: %s", header)
	}
	if !strings.Contains(rows[1][4], `"no, too costly"`) {
		t.Fatalf("details lost in quoting: %s", rows[1][4])
	}
	if rows[1][1] != string(ActionCommentAdd) {
		t.Fatalf("unexpected action column: %s", rows[1][1])
	}
}

func TestSnapshotCarriesIntegrity(t *testing.T) {
	l, _ := newLedger(t)
	record(t, l, ActionProjectCreate, "P1", "pm")

	snap := l.Snapshot()
	if len(snap.Entries) != 1 || !snap.Integrity.Valid {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.ExportDate.IsZero() {
		t.Fatal("snapshot missing export date")
	}

	l.entries[0].ProjectID = "P9"
	snap = l.Snapshot()
	if snap.Integrity.Valid {
		t.Fatal("snapshot should report the tampered chain")
	}
}

func TestClearRequiresConfirmation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	record(t, l, ActionProjectCreate, "P1", "pm")

	if err := l.Clear(ctx, "yes please"); !errors.Is(err, ErrBadConfirmation) {
		t.Fatalf("expected ErrBadConfirmation, got %v", err)
	}
	if l.Len() != 1 {
		t.Fatal("refused clear must not touch the chain")
	}

	if err := l.Clear(ctx, ClearConfirmation); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 0 {
		t.Fatal("confirmed clear left entries behind")
	}

	// a fresh chain starts from genesis again
	e := record(t, l, ActionProjectCreate, "P2", "pm")
	if e.PrevHash != GenesisHash {
		t.Fatalf("post-clear entry must link to genesis, got %q", e.PrevHash)
	}
}

func TestChainSurvivesReload(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	record(t, l, ActionProjectCreate, "P1", "pm")
	tip := record(t, l, ActionStageAdvance, "P1", "pm")

	reloaded, err := New(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if res := reloaded.Verify(); !res.Valid {
		t.Fatalf("reloaded chain should verify: %+v", res)
	}
	next := record(t, reloaded, ActionProjectComplete, "P1", "pm")
	if next.PrevHash != tip.Hash {
		t.Fatal("append after reload must continue from the persisted tip")
	}
}

func TestNumericDetailsVerifyAfterReload(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	// Integers above 2^53 lose precision when JSON decodes them as float64;
	// the hash must cover the round-tripped form, not the caller's int64.
	_, err := l.Record(ctx, Input{
		Action:    ActionFundingCommit,
		ProjectID: "P1",
		UserID:    "fin",
		Details:   map[string]any{"ref": int64(9007199254740993), "amount": 125000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res := l.Verify(); !res.Valid {
		t.Fatalf("live chain should verify: %+v", res)
	}

	reloaded, err := New(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if res := reloaded.Verify(); !res.Valid {
		t.Fatalf("reloaded chain with numeric details should verify: %+v", res)
	}
}

func TestConcurrentAppendsKeepOneChain(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Record(ctx, Input{Action: ActionCommentAdd, ProjectID: "P1", UserID: "u1"})
		}()
	}
	wg.Wait()

	if l.Len() != N {
		t.Fatalf("expected %d entries, got %d", N, l.Len())
	}
	if res := l.Verify(); !res.Valid {
		t.Fatalf("concurrent appends forked the chain: %+v", res)
	}
}

func TestBlake3Hasher(t *testing.T) {
	l, _ := newLedger(t, WithHasher(BLAKE3{}))
	record(t, l, ActionProjectCreate, "P1", "pm")
	record(t, l, ActionStageAdvance, "P1", "pm")

	if res := l.Verify(); !res.Valid {
		t.Fatalf("blake3 chain should verify: %+v", res)
	}

	l.entries[0].UserID = "intruder"
	if res := l.Verify(); res.Valid || res.Index != 0 {
		t.Fatalf("blake3 chain should catch tampering at 0: %+v", res)
	}
}

func TestCorruptStateStrictVsLenient(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.Save(ctx, defaultStateKey, []byte("[oops")); err != nil {
		t.Fatal(err)
	}

	if _, err := New(ctx, store, WithStrictLoad()); err == nil {
		t.Fatal("strict load must surface corrupt state")
	}
	l, err := New(ctx, store)
	if err != nil {
		t.Fatalf("lenient load should degrade to empty: %v", err)
	}
	if l.Len() != 0 {
		t.Fatal("degraded chain should be empty")
	}
}
