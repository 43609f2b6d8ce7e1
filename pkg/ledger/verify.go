package ledger

// Reason identifies where chain verification failed.
type Reason string

const (
	ReasonHashMismatch     Reason = "hash_mismatch"
	ReasonPrevHashMismatch Reason = "prev_hash_mismatch"
	ReasonIDGap            Reason = "id_gap"
	ReasonGenesisMismatch  Reason = "genesis_mismatch"
)

// VerifyResult reports the outcome of a full chain walk. BrokenAt is the id
// of the first bad entry, null when the chain is valid.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt *int64 `json:"broken_at"`
	Reason   Reason `json:"reason,omitempty"`
}

// Verify walks the entire chain once, recomputing every entry hash and
// checking the prev_hash links and id contiguity. O(n), read lock only.
func (l *Ledger) Verify() VerifyResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := VerifyResult{Valid: true, Entries: len(l.entries)}
	broken := func(id int64, reason Reason) VerifyResult {
		res.Valid = false
		res.BrokenAt = &id
		res.Reason = reason
		return res
	}

	for i, e := range l.entries {
		if e.ID != int64(i)+1 {
			return broken(int64(i)+1, ReasonIDGap)
		}
		if i == 0 {
			if e.Type != TypeGenesis || e.PrevHash != GenesisPrevHash {
				return broken(e.ID, ReasonGenesisMismatch)
			}
		} else if e.PrevHash != l.entries[i-1].EntryHash {
			return broken(e.ID, ReasonPrevHashMismatch)
		}

		computed, err := e.ComputeHash()
		if err != nil || computed != e.EntryHash {
			return broken(e.ID, ReasonHashMismatch)
		}
	}
	return res
}
