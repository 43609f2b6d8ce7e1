// Package federation manages the follower set and the signed delivery of
// activities to remote inboxes.
package federation

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Follower is one subscribed remote actor.
type Follower struct {
	ActorID      string    `json:"-"`
	InboxURL     string    `json:"inbox_url"`
	PublicKeyPEM string    `json:"public_key_pem"`
	AddedAt      time.Time `json:"added_at"`
}

// Followers is the persisted follower set, keyed by actor id. Membership
// changes hold the write lock briefly and write through to disk with a
// rename-over-temp so a crash never leaves a torn file.
type Followers struct {
	mu      sync.RWMutex
	path    string
	records map[string]Follower
}

// LoadFollowers reads the follower set from path, starting empty when the
// file does not exist yet.
func LoadFollowers(path string) (*Followers, error) {
	f := &Followers{path: path, records: make(map[string]Follower)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("federation: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.records); err != nil {
		return nil, fmt.Errorf("federation: parse %s: %w", path, err)
	}
	for id, rec := range f.records {
		rec.ActorID = id
		f.records[id] = rec
	}
	return f, nil
}

// Add inserts or replaces a follower and persists the set.
func (f *Followers) Add(rec Follower) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ActorID] = rec
	return f.saveLocked()
}

// Remove deletes a follower and persists the set. Removing an unknown
// actor is a no-op.
func (f *Followers) Remove(actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[actorID]; !ok {
		return nil
	}
	delete(f.records, actorID)
	return f.saveLocked()
}

// Get returns the follower for actorID, if present.
func (f *Followers) Get(actorID string) (Follower, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[actorID]
	return rec, ok
}

// List returns all followers in unspecified order.
func (f *Followers) List() []Follower {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Follower, 0, len(f.records))
	for id, rec := range f.records {
		rec.ActorID = id
		out = append(out, rec)
	}
	return out
}

// Len returns the follower count.
func (f *Followers) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

func (f *Followers) saveLocked() error {
	data, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return fmt.Errorf("federation: marshal followers: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("federation: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("federation: rename %s: %w", tmp, err)
	}
	return nil
}
