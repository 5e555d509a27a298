// Package table implements the concurrent mapping from info-hash to swarm.
package table

import (
	"sync"
	"time"

	"github.com/coreswarm/tracker/internal/swarm"
)

// Table is a concurrent map from InfoHash to an owned *swarm.Swarm. A swarm
// is never destroyed once created; only process exit frees it. That means a
// pointer obtained under the read lock stays valid for as long as the
// caller holds it.
type Table struct {
	mu       sync.RWMutex
	swarms   map[swarm.InfoHash]*swarm.Swarm
	keys     []swarm.InfoHash // append-only; existing indices never shift
	sweepPos int              // index into keys, persists across Sweep calls
}

// New returns an empty table.
func New() *Table {
	return &Table{swarms: make(map[swarm.InfoHash]*swarm.Swarm)}
}

// Find returns the swarm for hash, or nil if none exists yet.
func (t *Table) Find(hash swarm.InfoHash) *swarm.Swarm {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.swarms[hash]
}

// GetOrInsert returns the existing swarm for hash, creating one under the
// write lock if it doesn't exist yet. Double-checked: the shared lock is
// tried first so the common case (swarm already exists) never blocks on
// the table's single writer lock.
func (t *Table) GetOrInsert(hash swarm.InfoHash) *swarm.Swarm {
	if s := t.Find(hash); s != nil {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.swarms[hash]; ok {
		return s
	}
	s := swarm.New()
	t.swarms[hash] = s
	t.keys = append(t.keys, hash)
	return s
}

// Sweep visits at most budget swarms, starting from a cursor that persists
// across calls, calling PurgeStale(now) on each one under its own lock.
// Bounding the work per tick keeps per-call lock-hold time small instead of
// scanning the whole table every tick.
func (t *Table) Sweep(now time.Time, budget int) {
	t.mu.RLock()
	// Snapshot the key list; new swarms inserted concurrently are simply
	// picked up on a later sweep.
	keys := make([]swarm.InfoHash, len(t.keys))
	copy(keys, t.keys)
	t.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	start := t.sweepPos % len(keys)

	n := budget
	if n > len(keys) {
		n = len(keys)
	}

	for i := 0; i < n; i++ {
		idx := (start + i) % len(keys)
		hash := keys[idx]

		t.mu.RLock()
		s, ok := t.swarms[hash]
		t.mu.RUnlock()
		if ok {
			s.PurgeStale(now)
		}
	}

	t.sweepPos = (start + n) % len(keys)
}

// Len reports the number of swarms tracked, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.swarms)
}
