package store

import (
	"context"
	"sort"
	"sync"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// MemorySnapshotStore keeps snapshots in process memory. It backs tests
// and single-node runs with no external dependencies; state is lost on
// restart.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*board.Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]*board.Snapshot),
	}
}

// Save stores a deep copy of snap.
func (s *MemorySnapshotStore) Save(ctx context.Context, snap *board.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.BoardID] = snap.Clone()
	return nil
}

// Load returns a deep copy of the stored snapshot.
func (s *MemorySnapshotStore) Load(ctx context.Context, boardID string) (*board.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[boardID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

// Delete removes the snapshot for boardID.
func (s *MemorySnapshotStore) Delete(ctx context.Context, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, boardID)
	return nil
}

// List returns the stored board ids, sorted.
func (s *MemorySnapshotStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (s *MemorySnapshotStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemorySnapshotStore) Close() error { return nil }
