package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var t0 = time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := OpenWithClock(path, func() time.Time { return t0 })
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenCreatesGenesis(t *testing.T) {
	l := openTestLedger(t)

	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	genesis := l.Entries(0, 1)[0]
	if genesis.ID != 1 || genesis.Type != TypeGenesis {
		t.Fatalf("unexpected genesis entry: %+v", genesis)
	}
	if genesis.Task != GenesisTask || genesis.Agent != GenesisAgent {
		t.Fatalf("unexpected genesis identity: %+v", genesis)
	}
	if genesis.PrevHash != GenesisPrevHash {
		t.Fatalf("genesis prev_hash must be 64 zeros, got %s", genesis.PrevHash)
	}
}

func TestAppendClaim(t *testing.T) {
	l := openTestLedger(t)

	e, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0)
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 2 {
		t.Fatalf("expected id 2, got %d", e.ID)
	}
	if e.PrevHash != l.Entries(0, 1)[0].EntryHash {
		t.Fatal("claim prev_hash must equal genesis entry_hash")
	}

	status := l.EffectiveStatus("QUASI-001")
	if status.Kind != StatusClaimed || status.ClaimedBy != "claude-sonnet-4-6" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if want := t0.Add(ClaimTTL); !status.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, status.ExpiresAt)
	}
}

func TestDoubleClaimConflict(t *testing.T) {
	l := openTestLedger(t)

	if _, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}
	_, err := l.AppendClaim("gpt-4o", "QUASI-001", t0.Add(time.Hour))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("rejected claim must not grow the chain, len=%d", l.Len())
	}
}

func TestExpiredClaimReclaimable(t *testing.T) {
	l := openTestLedger(t)

	if _, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}
	e, err := l.AppendClaim("gpt-4o", "QUASI-001", t0.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("claim after TTL expiry should succeed: %v", err)
	}
	if e.ID != 3 {
		t.Fatalf("expected entry 3, got %d", e.ID)
	}
}

func TestClaimTTLBoundary(t *testing.T) {
	l := openTestLedger(t)

	if _, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}

	// One microsecond short of the TTL: still held.
	_, err := l.AppendClaim("gpt-4o", "QUASI-001", t0.Add(ClaimTTL-time.Microsecond))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("claim at TTL-1us should conflict, got %v", err)
	}

	// Exactly at the TTL: expired, claimable.
	if _, err := l.AppendClaim("gpt-4o", "QUASI-001", t0.Add(ClaimTTL)); err != nil {
		t.Fatalf("claim at exactly TTL should succeed: %v", err)
	}
}

func TestSameAgentReclaimIdempotent(t *testing.T) {
	l := openTestLedger(t)

	first, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0)
	if err != nil {
		t.Fatal(err)
	}
	again, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("same-agent re-claim must succeed: %v", err)
	}
	if again.ID != first.ID || again.EntryHash != first.EntryHash {
		t.Fatalf("re-claim must return the existing entry, got %+v", again)
	}
	if l.Len() != 2 {
		t.Fatalf("re-claim must not append, len=%d", l.Len())
	}
}

func TestCompletionIdempotent(t *testing.T) {
	l := openTestLedger(t)

	first, err := l.AppendCompletion("claude-sonnet-4-6", "QUASI-001", "abc123", "https://github.com/ehrenfest-quantum/quasi/pull/7", t0)
	if err != nil {
		t.Fatal(err)
	}
	again, err := l.AppendCompletion("claude-sonnet-4-6", "QUASI-001", "abc123", "https://github.com/ehrenfest-quantum/quasi/pull/7", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || again.EntryHash != first.EntryHash {
		t.Fatal("duplicate completion must return the original entry")
	}
	if l.Len() != 2 {
		t.Fatalf("duplicate completion must not append, len=%d", l.Len())
	}
}

func TestCompletionWithoutClaim(t *testing.T) {
	l := openTestLedger(t)

	// The merged PR footer is authoritative; no prior claim required.
	if _, err := l.AppendCompletion("gpt-4o", "QUASI-002", "def456", "", t0); err != nil {
		t.Fatal(err)
	}
	if l.EffectiveStatus("QUASI-002").Kind != StatusDone {
		t.Fatal("expected done status")
	}
}

func TestClaimAfterCompletionRejected(t *testing.T) {
	l := openTestLedger(t)

	if _, err := l.AppendCompletion("claude-sonnet-4-6", "QUASI-001", "abc123", "", t0); err != nil {
		t.Fatal(err)
	}
	_, err := l.AppendClaim("gpt-4o", "QUASI-001", t0.Add(48*time.Hour))
	if !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("expected ErrAlreadyDone, got %v", err)
	}
}

func TestCompletionClearsClaimConflict(t *testing.T) {
	l := openTestLedger(t)

	if _, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendCompletion("claude-sonnet-4-6", "QUASI-001", "abc123", "", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if l.EffectiveStatus("QUASI-001").Kind != StatusDone {
		t.Fatal("completion must shadow the earlier claim")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	clock := func() time.Time { return t0 }

	l, err := OpenWithClock(path, clock)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenWithClock(path, clock)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", reopened.Len())
	}
	if res := reopened.Verify(); !res.Valid {
		t.Fatalf("reopened chain must verify: %+v", res)
	}
	status := reopened.EffectiveStatus("QUASI-001")
	if status.Kind != StatusClaimed || status.ClaimedBy != "claude-sonnet-4-6" {
		t.Fatalf("unexpected status after reopen: %+v", status)
	}
}

func TestEntriesPagination(t *testing.T) {
	l := openTestLedger(t)
	for i := 0; i < 5; i++ {
		task := string(rune('A' + i))
		if _, err := l.AppendClaim("agent", "QUASI-00"+task, t0); err != nil {
			t.Fatal(err)
		}
	}

	page := l.Entries(2, 2)
	if len(page) != 2 || page[0].ID != 3 || page[1].ID != 4 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got := l.Entries(100, 10); got != nil {
		t.Fatalf("out-of-range offset should return nil, got %+v", got)
	}
	if got := l.Entries(0, 0); len(got) != 6 {
		t.Fatalf("limit 0 should return all entries, got %d", len(got))
	}
}

func TestSlotsRemaining(t *testing.T) {
	l := openTestLedger(t)

	if l.SlotsRemaining() != GenesisSlots {
		t.Fatalf("genesis must not consume a slot, got %d", l.SlotsRemaining())
	}
	// Claims never consume slots.
	if _, err := l.AppendClaim("agent", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}
	if l.SlotsRemaining() != GenesisSlots {
		t.Fatalf("claims must not consume slots, got %d", l.SlotsRemaining())
	}
	if _, err := l.AppendCompletion("agent", "QUASI-001", "abc", "", t0); err != nil {
		t.Fatal(err)
	}
	if l.SlotsRemaining() != GenesisSlots-1 {
		t.Fatalf("expected %d slots, got %d", GenesisSlots-1, l.SlotsRemaining())
	}
}

func TestSlotsRemainingFloorsAtZero(t *testing.T) {
	l := openTestLedger(t)

	for i := 0; i < GenesisSlots+1; i++ {
		task := fmt.Sprintf("QUASI-%03d", i+1)
		if _, err := l.AppendCompletion("agent", task, task+"-sha", "", t0); err != nil {
			t.Fatalf("completion %d past the slot limit must still append: %v", i, err)
		}
	}
	if l.SlotsRemaining() != 0 {
		t.Fatalf("slots must floor at zero, got %d", l.SlotsRemaining())
	}
	if l.Len() != GenesisSlots+2 {
		t.Fatalf("51st completion must still be accepted, len=%d", l.Len())
	}
}

func TestChainLinkage(t *testing.T) {
	l := openTestLedger(t)
	l.AppendClaim("a", "QUASI-001", t0)
	l.AppendClaim("b", "QUASI-002", t0)
	l.AppendCompletion("a", "QUASI-001", "abc", "", t0)

	entries := l.Entries(0, 0)
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry %d prev_hash does not link to predecessor", entries[i].ID)
		}
		if entries[i].ID != int64(i)+1 {
			t.Fatalf("ids must be contiguous, got %d at position %d", entries[i].ID, i)
		}
	}
}

func TestEntryHashExcludesItself(t *testing.T) {
	l := openTestLedger(t)
	e, err := l.AppendClaim("claude-sonnet-4-6", "QUASI-001", t0)
	if err != nil {
		t.Fatal(err)
	}

	recomputed, err := e.ComputeHash()
	if err != nil {
		t.Fatal(err)
	}
	if recomputed != e.EntryHash {
		t.Fatal("ComputeHash must reproduce the stored entry_hash")
	}
	if len(e.EntryHash) != 64 {
		t.Fatalf("entry_hash must be 64 hex chars, got %d", len(e.EntryHash))
	}
}

func TestStorageFailureLeavesChainUnchanged(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.AppendClaim("a", "QUASI-001", t0); err != nil {
		t.Fatal(err)
	}

	// Closing the file underneath forces the next write to fail.
	l.file.Close()
	_, err := l.AppendClaim("b", "QUASI-002", t0)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("failed append must not mutate the chain, len=%d", l.Len())
	}

	// Reopen the handle; the retry recomputes prev_hash from the intact tail.
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	l.file = f
	e, err := l.AppendClaim("b", "QUASI-002", t0)
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != 3 || e.PrevHash != l.Entries(1, 1)[0].EntryHash {
		t.Fatalf("retried append must chain to the unchanged tail: %+v", e)
	}
}
