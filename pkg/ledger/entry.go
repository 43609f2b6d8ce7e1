// Package ledger — the append-only, hash-chained attribution ledger.
//
// Every accepted claim and completion becomes an immutable entry linked to
// all prior entries: entry[1].prev_hash is 64 zeros, entry[n].prev_hash is
// entry[n-1].entry_hash, and entry_hash is the SHA-256 of the canonical
// serialization of the entry without entry_hash itself.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/canonical"
)

// EntryType categorizes a ledger entry.
type EntryType string

const (
	TypeGenesis    EntryType = "genesis"
	TypeClaim      EntryType = "claim"
	TypeCompletion EntryType = "completion"
)

const (
	// GenesisPrevHash links the first entry to nothing.
	GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

	// GenesisTask and GenesisAgent identify the synthetic first entry.
	GenesisTask  = "GENESIS"
	GenesisAgent = "quasi-board"

	// ClaimTTL is the window after which an unredeemed claim no longer
	// blocks other agents.
	ClaimTTL = 24 * time.Hour

	// GenesisSlots is the number of completion entries that count toward
	// genesis-contributor status. Informational only; appends past the
	// limit are still accepted.
	GenesisSlots = 50
)

// timestampLayout pins timestamps to RFC 3339 UTC with microsecond
// precision and a Z suffix. Part of the canonical wire format.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp is a time.Time with fixed-format JSON marshaling so that
// canonical bytes are identical across writers.
type Timestamp struct {
	time.Time
}

// NewTimestamp converts t to UTC at microsecond precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("ledger: timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("ledger: timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Entry is one immutable ledger record. Field names are the stable wire
// format; commit_hash and pr_url are present on completions only.
type Entry struct {
	ID         int64     `json:"id"`
	Type       EntryType `json:"type"`
	Agent      string    `json:"contributor_agent"`
	Task       string    `json:"task"`
	CommitHash string    `json:"commit_hash,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
	PrevHash   string    `json:"prev_hash"`
	EntryHash  string    `json:"entry_hash,omitempty"`
}

// ComputeHash returns the SHA-256 hex digest of the canonical serialization
// of e with entry_hash excluded.
func (e Entry) ComputeHash() (string, error) {
	e.EntryHash = ""
	return canonical.Hash(e)
}

// Marshal returns the canonical single-line JSON encoding of the full entry,
// as stored in ledger.jsonl.
func (e Entry) Marshal() ([]byte, error) {
	return canonical.Canonicalize(e)
}
