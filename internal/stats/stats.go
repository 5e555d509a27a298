// Package stats holds the tracker's atomic counters: connects, announces,
// scrapes, errors, and byte totals. Every worker adds to these with
// lock-free fetch-and-add; the lifecycle loop samples and resets them once
// a minute.
package stats

import "sync/atomic"

// Counters is the tracker's set of live operational counters. It must not
// be copied after first use.
type Counters struct {
	Connects  atomic.Uint64
	Announces atomic.Uint64
	Scrapes   atomic.Uint64
	Errors    atomic.Uint64
	BytesIn   atomic.Uint64
	BytesOut  atomic.Uint64
}

// Snapshot is a point-in-time read of Counters, as returned by Reset.
type Snapshot struct {
	Connects, Announces, Scrapes, Errors, BytesIn, BytesOut uint64
}

// Reset atomically subtracts and returns the current value of every
// counter, so callers always see exactly the deltas since the last Reset.
// This is the Go equivalent of utrack's
// `__sync_fetch_and_sub(&connects, last_connects)` loop.
func (c *Counters) Reset() Snapshot {
	return Snapshot{
		Connects:  swapToZero(&c.Connects),
		Announces: swapToZero(&c.Announces),
		Scrapes:   swapToZero(&c.Scrapes),
		Errors:    swapToZero(&c.Errors),
		BytesIn:   swapToZero(&c.BytesIn),
		BytesOut:  swapToZero(&c.BytesOut),
	}
}

func swapToZero(c *atomic.Uint64) uint64 {
	return c.Swap(0)
}
