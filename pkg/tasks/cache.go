package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache holds the last known good task list. Upstream failures never clear
// it: projection always has something to serve. Removals upstream drop the
// task from the cache (and therefore the outbox) while prior ledger entries
// stay valid.
type Cache struct {
	mu        sync.RWMutex
	tasks     []Task
	refreshed time.Time

	fetcher *Fetcher
	logger  *slog.Logger
}

// NewCache creates a cache fed by fetcher, seeded with initial (which may
// be the genesis fallback list).
func NewCache(fetcher *Fetcher, initial []Task) *Cache {
	return &Cache{
		tasks:   initial,
		fetcher: fetcher,
		logger:  slog.Default().With("component", "tasks"),
	}
}

// Refresh pulls the upstream list once. On failure the previous snapshot is
// retained and the error returned.
func (c *Cache) Refresh(ctx context.Context) error {
	fetched, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.logger.Warn("task refresh failed, keeping last known good", "error", err)
		return err
	}

	c.mu.Lock()
	c.tasks = fetched
	c.refreshed = time.Now()
	c.mu.Unlock()

	c.logger.Info("task list refreshed", "tasks", len(fetched))
	return nil
}

// Run refreshes the cache every RefreshInterval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Snapshot returns a copy of the current task list in upstream order.
func (c *Cache) Snapshot() []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}
