// Package store persists board snapshots. Backends share one interface so
// the registry never knows whether durable state lives in PostgreSQL, on
// the local filesystem, or in memory.
package store

import (
	"context"
	"errors"

	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// ErrNotFound is returned when no snapshot exists for a board id.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists and retrieves board snapshots.
type SnapshotStore interface {
	// Save writes or replaces the snapshot for snap.BoardID.
	Save(ctx context.Context, snap *board.Snapshot) error
	// Load returns the snapshot for boardID, or ErrNotFound.
	Load(ctx context.Context, boardID string) (*board.Snapshot, error)
	// Delete removes the snapshot for boardID. Missing ids are not an error.
	Delete(ctx context.Context, boardID string) error
	// List returns the board ids with a persisted snapshot.
	List(ctx context.Context) ([]string, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
