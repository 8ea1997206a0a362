package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It is the default when
// Redis is not configured; leases expire lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	boards map[string]map[string]time.Time
}

// NewMemoryStore creates an in-memory presence store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		boards: make(map[string]map[string]time.Time),
	}
}

// Join registers a client and starts its lease
func (s *MemoryStore) Join(ctx context.Context, boardID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients, ok := s.boards[boardID]
	if !ok {
		clients = make(map[string]time.Time)
		s.boards[boardID] = clients
	}
	clients[clientID] = time.Now().Add(s.ttl)
	return nil
}

// Heartbeat renews a client's lease
func (s *MemoryStore) Heartbeat(ctx context.Context, boardID, clientID string) error {
	return s.Join(ctx, boardID, clientID)
}

// Leave removes a client immediately
func (s *MemoryStore) Leave(ctx context.Context, boardID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clients, ok := s.boards[boardID]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(s.boards, boardID)
		}
	}
	return nil
}

// List returns clients with unexpired leases, pruning the rest
func (s *MemoryStore) List(ctx context.Context, boardID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients, ok := s.boards[boardID]
	if !ok {
		return []string{}, nil
	}

	now := time.Now()
	live := make([]string, 0, len(clients))
	for id, deadline := range clients {
		if now.After(deadline) {
			delete(clients, id)
			continue
		}
		live = append(live, id)
	}
	if len(clients) == 0 {
		delete(s.boards, boardID)
	}

	sort.Strings(live)
	return live, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
