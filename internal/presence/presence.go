// Package presence tracks which clients are currently connected to each
// board. Entries are leased: a client that stops heartbeating disappears
// after the TTL, so crashed sessions do not linger in listings.
package presence

import "context"

// Store handles presence tracking operations
type Store interface {
	// Join registers a client on a board and starts its lease.
	Join(ctx context.Context, boardID, clientID string) error

	// Heartbeat renews a client's lease.
	Heartbeat(ctx context.Context, boardID, clientID string) error

	// Leave removes a client from a board immediately.
	Leave(ctx context.Context, boardID, clientID string) error

	// List returns the ids of clients with a live lease on the board, sorted.
	List(ctx context.Context, boardID string) ([]string, error)

	// Ping checks the backing store connection.
	Ping(ctx context.Context) error

	// Close releases the backing store connection.
	Close() error
}
