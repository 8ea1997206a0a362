// Package engine implements the replicated board state engine: a
// last-writer-wins element map ordered by Lamport timestamps with
// writer-id tie-breaking, plus tombstones, a bounded operation log, and
// snapshot dump/load. One engine instance owns the state of exactly one
// board. The same engine runs on the coordinator (authoritative, applying
// remote operations only) and inside clients (optimistic, stamping local
// operations), so both sides converge through an identical merge path.
package engine

import "sync"

// Clock is a Lamport logical clock. Tick stamps locally authored
// operations; Observe folds in the timestamp of every remote operation so
// the counter never runs behind anything this replica has seen.
type Clock struct {
	mu      sync.Mutex
	counter int64
}

// NewClock returns a clock whose next Tick is seed+1.
func NewClock(seed int64) *Clock {
	return &Clock{counter: seed}
}

// Tick advances the clock and returns the new value.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Observe advances the clock past a remote timestamp: the counter becomes
// max(counter, ts) + 1.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.counter {
		c.counter = ts
	}
	c.counter++
}

// Now returns the current counter without advancing it.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
