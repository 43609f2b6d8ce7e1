package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrConflict — the task is actively claimed by a different agent.
	ErrConflict = errors.New("task actively claimed by another agent")

	// ErrAlreadyDone — a completion for the task already exists.
	ErrAlreadyDone = errors.New("task already completed")
)

// StorageError wraps a disk I/O failure. The in-memory chain is never
// mutated when one is returned; the next append recomputes prev_hash
// against the unchanged tail.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Ledger is the append-only hash-chained log. A single write lock covers
// the read-tail/compute/fsync sequence of every append; reads proceed
// concurrently under the read lock. Only this type writes ledger.jsonl.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	entries []Entry
	clock   func() time.Time
}

// Open loads the chain from path, creating the file with a synthetic
// genesis entry on first startup. The file stays open for append.
func Open(path string) (*Ledger, error) {
	return OpenWithClock(path, time.Now)
}

// OpenWithClock overrides the clock for testing.
func OpenWithClock(path string, clock func() time.Time) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Err: err}
	}

	l := &Ledger{path: path, clock: clock}
	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	l.file = f

	if len(l.entries) == 0 {
		if _, err := l.appendLocked(Entry{
			Type:      TypeGenesis,
			Agent:     GenesisAgent,
			Task:      GenesisTask,
			Timestamp: NewTimestamp(clock()),
		}); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "read", Err: err}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("ledger: parse line %d: %w", line, err)
		}
		l.entries = append(l.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return &StorageError{Op: "scan", Err: err}
	}
	return nil
}

// Close releases the underlying file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// AppendClaim records a claim for task by agent at ts.
//
// It rejects with ErrAlreadyDone when a completion for the task exists,
// and with ErrConflict when a different agent holds a claim younger than
// ClaimTTL (measured against ts, not wall time). A same-agent re-claim of
// a still-active claim returns the existing entry without appending.
func (l *Ledger) AppendClaim(agent, task string, ts time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := l.statusLocked(task, ts)
	switch status.Kind {
	case StatusDone:
		return Entry{}, ErrAlreadyDone
	case StatusClaimed:
		if status.ClaimedBy != agent {
			return Entry{}, ErrConflict
		}
		// Idempotent re-claim: the holder already owns an active claim.
		return *status.entry, nil
	}

	return l.appendLocked(Entry{
		Type:      TypeClaim,
		Agent:     agent,
		Task:      task,
		Timestamp: NewTimestamp(ts),
	})
}

// AppendCompletion records a completion for task. Idempotent on
// (task, commit_hash): an existing matching completion is returned
// unchanged. A completion needs no prior claim — the merged PR footer
// is authoritative.
func (l *Ledger) AppendCompletion(agent, task, commitHash, prURL string, ts time.Time) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Type == TypeCompletion && e.Task == task && e.CommitHash == commitHash {
			return e, nil
		}
	}

	return l.appendLocked(Entry{
		Type:       TypeCompletion,
		Agent:      agent,
		Task:       task,
		CommitHash: commitHash,
		PRURL:      prURL,
		Timestamp:  NewTimestamp(ts),
	})
}

// appendLocked assigns id and prev_hash from the current tail, computes the
// entry hash, and durably appends the canonical line before mutating the
// in-memory chain. Caller holds the write lock (or has exclusive access
// during Open).
func (l *Ledger) appendLocked(e Entry) (Entry, error) {
	e.ID = int64(len(l.entries)) + 1
	if len(l.entries) == 0 {
		e.PrevHash = GenesisPrevHash
	} else {
		e.PrevHash = l.entries[len(l.entries)-1].EntryHash
	}

	hash, err := e.ComputeHash()
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: hash entry %d: %w", e.ID, err)
	}
	e.EntryHash = hash

	line, err := e.Marshal()
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal entry %d: %w", e.ID, err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, &StorageError{Op: "append", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, &StorageError{Op: "fsync", Err: err}
	}

	l.entries = append(l.entries, e)
	return e, nil
}

// Entries returns up to limit entries starting at offset, in chain order.
// limit <= 0 means no limit.
func (l *Ledger) Entries(offset, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 || offset >= len(l.entries) {
		return nil
	}
	end := len(l.entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Entry, end-offset)
	copy(out, l.entries[offset:end])
	return out
}

// Len returns the number of entries in the chain.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// SlotsRemaining reports how many genesis slots are left. Completions,
// not claims, consume slots; the counter floors at zero and never gates
// appends.
func (l *Ledger) SlotsRemaining() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	completions := 0
	for _, e := range l.entries {
		if e.Type == TypeCompletion {
			completions++
		}
	}
	if completions >= GenesisSlots {
		return 0
	}
	return GenesisSlots - completions
}
