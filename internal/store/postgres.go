package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// PostgresSnapshotStore persists snapshots in a single upsert-per-board
// table. The whole snapshot document lives in a jsonb column; the clock
// and timestamps are lifted into columns for operational queries.
type PostgresSnapshotStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSnapshotStore connects to PostgreSQL and verifies the
// connection.
func NewPostgresSnapshotStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresSnapshotStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresSnapshotStore{pool: pool, logger: logger}, nil
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *PostgresSnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS board_snapshots (
			board_id      TEXT PRIMARY KEY,
			taken_at      TIMESTAMPTZ NOT NULL,
			logical_clock BIGINT NOT NULL,
			payload       JSONB NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create board_snapshots table: %w", err)
	}
	return nil
}

// Save upserts the snapshot row for snap.BoardID.
func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *board.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO board_snapshots (board_id, taken_at, logical_clock, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (board_id) DO UPDATE SET
			taken_at      = EXCLUDED.taken_at,
			logical_clock = EXCLUDED.logical_clock,
			payload       = EXCLUDED.payload,
			updated_at    = now()`,
		snap.BoardID, snap.TakenAt, snap.LogicalClock, payload)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for board %q: %w", snap.BoardID, err)
	}
	return nil
}

// Load reads the snapshot for boardID, or ErrNotFound.
func (s *PostgresSnapshotStore) Load(ctx context.Context, boardID string) (*board.Snapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM board_snapshots WHERE board_id = $1`,
		boardID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot for board %q: %w", boardID, err)
	}

	var snap board.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot payload for board %q: %w", boardID, err)
	}
	return &snap, nil
}

// Delete removes the snapshot row for boardID.
func (s *PostgresSnapshotStore) Delete(ctx context.Context, boardID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM board_snapshots WHERE board_id = $1`, boardID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for board %q: %w", boardID, err)
	}
	return nil
}

// List returns every persisted board id, most recently updated first.
func (s *PostgresSnapshotStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT board_id FROM board_snapshots ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan board id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot rows: %w", err)
	}
	return ids, nil
}

// Ping verifies the database connection.
func (s *PostgresSnapshotStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSnapshotStore) Close() error {
	s.pool.Close()
	return nil
}
