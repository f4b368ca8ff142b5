package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sunnyfields/scada-core/internal/core"
)

// TreeCache holds the most recently loaded configuration tree, shared
// by every subsystem that needs a TreeLookup (Poller, Command Service,
// Alarm Engine, Access Control). Grounded on internal/config.Get's
// load-once-swap-atomically singleton idiom, applied to the DB-backed
// configuration tree instead of the YAML tuning file.
type TreeCache struct {
	db *DB

	mu   sync.RWMutex
	tree *core.Tree
}

// NewTreeCache constructs an empty cache. Per §9, no I/O until the
// first Refresh.
func NewTreeCache(db *DB) *TreeCache {
	return &TreeCache{db: db}
}

// Refresh reloads the tree from the database and swaps it in
// atomically. Callers decide the cadence (on startup, on a config-change
// webhook, or periodically) — the cache itself does not schedule
// anything.
func (tc *TreeCache) Refresh(ctx context.Context) error {
	t, err := tc.db.LoadTree(ctx)
	if err != nil {
		return fmt.Errorf("store: tree cache refresh: %w", err)
	}
	tc.mu.Lock()
	tc.tree = t
	tc.mu.Unlock()
	return nil
}

// Get returns the current tree, or nil if Refresh has never succeeded.
// Matches the TreeLookup func() *core.Tree type duplicated across
// internal/alarm, internal/access, and internal/command.
func (tc *TreeCache) Get() *core.Tree {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.tree
}
