// Package registry tracks which boards are resident in memory and owns
// their lifecycle: lazy activation from snapshots, scheduled persistence,
// idle eviction, and the final flush on shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/metrics"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/pkg/engine"
)

// InUseFunc reports how many live sessions reference a board. The
// transport hub provides it; eviction never removes a board someone is
// connected to.
type InUseFunc func(boardID string) int

// Registry maps board ids to their resident engines. The registry map is
// the only structure shared across boards, so all map access runs under
// the registry mutex; engine access after lookup needs no registry
// involvement.
type Registry struct {
	mu     sync.Mutex
	boards map[string]*boardEntry

	store   store.SnapshotStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	nodeID           string
	oplogCapacity    int
	snapshotInterval time.Duration
	flushConcurrency int
	idleEviction     time.Duration
	backend          string

	inUse InUseFunc
}

// boardEntry holds one resident board. The sync.Once keeps the snapshot
// load off the registry lock, so activating one board never blocks
// lookups of unrelated boards.
type boardEntry struct {
	once       sync.Once
	engine     *engine.Engine
	lastActive atomic.Int64 // unix nanos
}

func (b *boardEntry) touch() {
	b.lastActive.Store(time.Now().UnixNano())
}

func (b *boardEntry) lastActiveTime() time.Time {
	return time.Unix(0, b.lastActive.Load())
}

// NewRegistry creates a registry persisting through snapshots.
func NewRegistry(snapshots store.SnapshotStore, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		boards:           make(map[string]*boardEntry),
		store:            snapshots,
		metrics:          m,
		logger:           logger,
		nodeID:           cfg.Server.NodeID,
		oplogCapacity:    cfg.Boards.OpLogCapacity,
		snapshotInterval: cfg.Snapshots.Interval,
		flushConcurrency: cfg.Snapshots.FlushConcurrency,
		idleEviction:     cfg.Boards.IdleEviction,
		backend:          cfg.Snapshots.Backend,
	}
}

// SetInUseFunc wires the session counter consulted before eviction. Must
// be called before the janitor starts.
func (r *Registry) SetInUseFunc(fn InUseFunc) {
	r.inUse = fn
}

// GetOrCreate returns the resident engine for boardID, activating the
// board first if needed. Activation loads the persisted snapshot; a
// missing, corrupt, or unreachable snapshot degrades to an empty board
// rather than a failure, so GetOrCreate cannot fail.
func (r *Registry) GetOrCreate(ctx context.Context, boardID string) *engine.Engine {
	r.mu.Lock()
	entry, ok := r.boards[boardID]
	if !ok {
		entry = &boardEntry{}
		r.boards[boardID] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.engine = r.activate(ctx, boardID)
		r.metrics.BoardsResident.Set(float64(r.count()))
	})
	entry.touch()
	return entry.engine
}

// Touch bumps a board's activity timestamp without activating it.
func (r *Registry) Touch(boardID string) {
	r.mu.Lock()
	entry, ok := r.boards[boardID]
	r.mu.Unlock()
	if ok {
		entry.touch()
	}
}

// activate builds the engine for a board, restoring persisted state when
// there is any.
func (r *Registry) activate(ctx context.Context, boardID string) *engine.Engine {
	eng := engine.New(r.nodeID,
		engine.WithOpLogCapacity(r.oplogCapacity),
		engine.WithLogger(r.logger),
	)

	snap, err := r.store.Load(ctx, boardID)
	switch {
	case err == nil:
		eng.Restore(snap)
		r.metrics.RecordSnapshotLoad("ok")
		r.logger.Info("board activated from snapshot",
			zap.String("board_id", boardID),
			zap.Int("elements", len(snap.Elements)),
			zap.Int("tombstones", len(snap.Tombstones)),
			zap.Int64("logical_clock", snap.LogicalClock),
		)
	case errors.Is(err, store.ErrNotFound):
		r.metrics.RecordSnapshotLoad("empty")
		r.logger.Info("board activated empty", zap.String("board_id", boardID))
	default:
		// Damaged or unreachable durable state degrades to an empty
		// board; losing history is preferable to refusing the board.
		r.metrics.RecordSnapshotLoad("fallback")
		r.logger.Error("snapshot load failed, starting board empty",
			zap.String("board_id", boardID),
			zap.Error(err),
		)
	}
	return eng
}

// ErrNotResident is returned when an operation needs a board that is not
// currently in memory.
var ErrNotResident = errors.New("board is not resident")

// Persist snapshots one resident board to the store immediately.
func (r *Registry) Persist(ctx context.Context, boardID string) error {
	r.mu.Lock()
	entry, ok := r.boards[boardID]
	r.mu.Unlock()
	if !ok || entry.engine == nil {
		return fmt.Errorf("board %q: %w", boardID, ErrNotResident)
	}
	return r.persist(ctx, boardID, entry.engine)
}

func (r *Registry) persist(ctx context.Context, boardID string, eng *engine.Engine) error {
	snap := eng.Snapshot(boardID)
	start := time.Now()
	err := r.store.Save(ctx, snap)
	r.metrics.RecordSnapshotPersist(r.backend, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to persist snapshot for board %q: %w", boardID, err)
	}
	eng.MarkPersisted(time.Now())
	r.logger.Debug("board snapshot persisted",
		zap.String("board_id", boardID),
		zap.Int("elements", len(snap.Elements)),
	)
	return nil
}

// Evict persists a dirty board and removes it from memory. The durable
// snapshot survives; the next GetOrCreate reloads it. Eviction aborts if
// the persist fails, leaving the board resident for a later retry.
func (r *Registry) Evict(ctx context.Context, boardID, reason string) error {
	r.mu.Lock()
	entry, ok := r.boards[boardID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if entry.engine != nil && entry.engine.Dirty() {
		if err := r.persist(ctx, boardID, entry.engine); err != nil {
			return fmt.Errorf("eviction aborted: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.boards, boardID)
	r.mu.Unlock()

	r.metrics.RecordEviction(reason)
	r.metrics.BoardsResident.Set(float64(r.count()))
	r.logger.Info("board evicted",
		zap.String("board_id", boardID),
		zap.String("reason", reason),
	)
	return nil
}

// Drop removes a board from memory without persisting it, reporting
// whether the board was resident. This is the deletion path; callers that
// want the state kept use Evict.
func (r *Registry) Drop(boardID string) bool {
	r.mu.Lock()
	_, ok := r.boards[boardID]
	delete(r.boards, boardID)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.metrics.RecordEviction("deleted")
	r.metrics.BoardsResident.Set(float64(r.count()))
	r.logger.Info("board dropped", zap.String("board_id", boardID))
	return true
}

// SnapshotSweep persists every resident board that is due, fanning writes
// out with bounded concurrency. Per-board failures are logged and left
// dirty for the next sweep. Returns the number of boards persisted.
func (r *Registry) SnapshotSweep(ctx context.Context) int {
	now := time.Now()

	type candidate struct {
		id  string
		eng *engine.Engine
	}
	var due []candidate
	r.mu.Lock()
	for id, entry := range r.boards {
		if entry.engine != nil && entry.engine.ShouldSnapshot(now, r.snapshotInterval) {
			due = append(due, candidate{id: id, eng: entry.engine})
		}
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	var persisted atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.flushConcurrency)
	for _, c := range due {
		c := c
		g.Go(func() error {
			if err := r.persist(ctx, c.id, c.eng); err != nil {
				r.logger.Error("snapshot sweep persist failed",
					zap.String("board_id", c.id),
					zap.Error(err),
				)
				return nil
			}
			persisted.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(persisted.Load())
}

// EvictIdle removes boards idle past the configured threshold, skipping
// any with live sessions. Returns the number evicted.
func (r *Registry) EvictIdle(ctx context.Context) int {
	now := time.Now()

	var idle []string
	r.mu.Lock()
	for id, entry := range r.boards {
		if entry.engine == nil {
			continue
		}
		if now.Sub(entry.lastActiveTime()) >= r.idleEviction {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, id := range idle {
		if r.inUse != nil && r.inUse(id) > 0 {
			continue
		}
		if err := r.Evict(ctx, id, "idle"); err != nil {
			r.logger.Error("idle eviction failed", zap.String("board_id", id), zap.Error(err))
			continue
		}
		evicted++
	}
	return evicted
}

// Resident returns the ids of boards currently in memory, sorted.
func (r *Registry) Resident() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.boards))
	for id, entry := range r.boards {
		if entry.engine != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// BoardStats describes one resident board for diagnostics.
type BoardStats struct {
	BoardID      string    `json:"board_id"`
	Elements     int       `json:"elements"`
	Tombstones   int       `json:"tombstones"`
	LogicalClock int64     `json:"logical_clock"`
	Dirty        bool      `json:"dirty"`
	LastActive   time.Time `json:"last_active"`
}

// Stats returns diagnostics for every resident board, sorted by id.
func (r *Registry) Stats() []BoardStats {
	r.mu.Lock()
	type pair struct {
		id    string
		entry *boardEntry
	}
	pairs := make([]pair, 0, len(r.boards))
	for id, entry := range r.boards {
		if entry.engine != nil {
			pairs = append(pairs, pair{id: id, entry: entry})
		}
	}
	r.mu.Unlock()

	stats := make([]BoardStats, 0, len(pairs))
	for _, p := range pairs {
		stats = append(stats, BoardStats{
			BoardID:      p.id,
			Elements:     p.entry.engine.Len(),
			Tombstones:   p.entry.engine.TombstoneCount(),
			LogicalClock: p.entry.engine.ClockValue(),
			Dirty:        p.entry.engine.Dirty(),
			LastActive:   p.entry.lastActiveTime(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].BoardID < stats[j].BoardID })
	return stats
}

// Shutdown flushes every dirty resident board and clears the registry.
// Per-board failures are logged; shutdown proceeds regardless.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	remaining := r.boards
	r.boards = make(map[string]*boardEntry)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.flushConcurrency)
	for id, entry := range remaining {
		if entry.engine == nil || !entry.engine.Dirty() {
			continue
		}
		id, eng := id, entry.engine
		g.Go(func() error {
			if err := r.persist(ctx, id, eng); err != nil {
				r.logger.Error("shutdown flush failed", zap.String("board_id", id), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	r.metrics.BoardsResident.Set(0)
	r.logger.Info("registry shut down", zap.Int("boards", len(remaining)))
}

func (r *Registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards)
}
