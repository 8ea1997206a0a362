package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis. Each client holds one key with a
// TTL equal to the lease; heartbeats rewrite the key, and expiry handles
// clients that vanish without leaving.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a new Redis presence store
func NewRedisStore(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Join registers a client and starts its lease
func (s *RedisStore) Join(ctx context.Context, boardID, clientID string) error {
	key := s.buildKey(boardID, clientID)
	value := time.Now().UTC().Format(time.RFC3339)
	return s.client.Set(ctx, key, value, s.ttl).Err()
}

// Heartbeat renews a client's lease
func (s *RedisStore) Heartbeat(ctx context.Context, boardID, clientID string) error {
	return s.Join(ctx, boardID, clientID)
}

// Leave removes a client's presence key
func (s *RedisStore) Leave(ctx context.Context, boardID, clientID string) error {
	return s.client.Del(ctx, s.buildKey(boardID, clientID)).Err()
}

// List scans for live presence keys on the board
func (s *RedisStore) List(ctx context.Context, boardID string) ([]string, error) {
	prefix := fmt.Sprintf("presence:%s:", boardID)
	clients := make([]string, 0)

	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		clients = append(clients, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}

	sort.Strings(clients)
	return clients, nil
}

// buildKey creates a Redis key from board and client ids
func (s *RedisStore) buildKey(boardID, clientID string) string {
	return fmt.Sprintf("presence:%s:%s", boardID, clientID)
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
