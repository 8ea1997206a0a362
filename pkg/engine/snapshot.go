package engine

import (
	"sort"
	"time"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// Snapshot dumps a deep copy of the full board state under boardID. The
// element and tombstone slices are sorted by id, so two engines holding
// identical state produce identical snapshots.
func (e *Engine) Snapshot(boardID string) *board.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &board.Snapshot{
		BoardID:      boardID,
		TakenAt:      time.Now().UTC(),
		LogicalClock: e.clock.Now(),
		Elements:     make([]board.VersionedElement, 0, len(e.elements)),
		Tombstones:   make([]board.Tombstone, 0, len(e.tombstones)),
		Operations:   e.log.Recent(e.log.Len()),
	}
	for _, cur := range e.elements {
		snap.Elements = append(snap.Elements, cur.Clone())
	}
	for _, tomb := range e.tombstones {
		snap.Tombstones = append(snap.Tombstones, tomb)
	}
	sort.Slice(snap.Elements, func(i, j int) bool { return snap.Elements[i].ID < snap.Elements[j].ID })
	sort.Slice(snap.Tombstones, func(i, j int) bool { return snap.Tombstones[i].ElementID < snap.Tombstones[j].ElementID })
	return snap
}

// Restore replaces the engine state wholesale with the snapshot contents:
// elements, tombstones, the logical clock, and the retained operation
// tail. Restore marks the engine clean; it has not diverged from durable
// state until the next mutation.
func (e *Engine) Restore(snap *board.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.elements = make(map[string]*board.VersionedElement, len(snap.Elements))
	for _, ve := range snap.Elements {
		cp := ve.Clone()
		e.elements[cp.ID] = &cp
	}
	e.tombstones = make(map[string]board.Tombstone, len(snap.Tombstones))
	for _, tomb := range snap.Tombstones {
		e.tombstones[tomb.ElementID] = tomb
	}
	e.clock = NewClock(snap.LogicalClock)
	e.log = NewOpLog(e.log.Cap())
	for _, op := range snap.Operations {
		e.log.Append(op.Clone())
	}
	e.dirty = false
	e.lastPersisted = time.Now()
}

// ShouldSnapshot reports whether the board is due for persistence: the
// engine has changed since the last successful persist and the configured
// interval has elapsed. Idle boards are never rewritten.
func (e *Engine) ShouldSnapshot(now time.Time, interval time.Duration) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty && now.Sub(e.lastPersisted) >= interval
}

// MarkPersisted clears the dirty flag after a successful store write. A
// failed persist leaves the flag set, so the next sweep retries.
func (e *Engine) MarkPersisted(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = false
	e.lastPersisted = now
}

// Dirty reports whether the engine has unpersisted changes.
func (e *Engine) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}
