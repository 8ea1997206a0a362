package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/metrics"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
	"github.com/MRuhan17/flowspace-sync/pkg/engine"
)

// collectors register on the process-global default registry once
var testMetrics = metrics.NewMetrics()

type mockSnapshotStore struct {
	mock.Mock
}

func (m *mockSnapshotStore) Save(ctx context.Context, snap *board.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *mockSnapshotStore) Load(ctx context.Context, boardID string) (*board.Snapshot, error) {
	args := m.Called(ctx, boardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*board.Snapshot), args.Error(1)
}

func (m *mockSnapshotStore) Delete(ctx context.Context, boardID string) error {
	args := m.Called(ctx, boardID)
	return args.Error(0)
}

func (m *mockSnapshotStore) List(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockSnapshotStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockSnapshotStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newTestRegistry(snapshots store.SnapshotStore, mutate func(cfg *config.Config)) *Registry {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return NewRegistry(snapshots, cfg, testMetrics, zap.NewNop())
}

func nodeFields(label string) board.Fields {
	return board.Fields{
		"kind":  json.RawMessage(`"node"`),
		"x":     json.RawMessage(`1`),
		"y":     json.RawMessage(`2`),
		"label": json.RawMessage(`"` + label + `"`),
	}
}

func TestRegistry_GetOrCreate_ActivatesEmpty(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), nil)
	ctx := context.Background()

	eng := r.GetOrCreate(ctx, "board-1")
	require.NotNil(t, eng)
	assert.Equal(t, 0, eng.Len())
	assert.Equal(t, int64(0), eng.ClockValue())
	assert.Equal(t, []string{"board-1"}, r.Resident())

	// repeated lookups return the same engine
	assert.Same(t, eng, r.GetOrCreate(ctx, "board-1"))
}

func TestRegistry_GetOrCreate_RestoresSnapshot(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	ctx := context.Background()

	seed := engine.New("writer-a")
	seed.ApplyLocal(board.OpInsert, "e1", nodeFields("one"))
	seed.ApplyLocal(board.OpInsert, "e2", nodeFields("two"))
	seed.ApplyLocal(board.OpDelete, "e2", nil)
	require.NoError(t, snapshots.Save(ctx, seed.Snapshot("board-1")))

	r := newTestRegistry(snapshots, nil)
	eng := r.GetOrCreate(ctx, "board-1")

	assert.Equal(t, 1, eng.Len())
	assert.Equal(t, 1, eng.TombstoneCount())
	assert.Equal(t, seed.ClockValue(), eng.ClockValue())
	assert.False(t, eng.Dirty(), "a freshly restored board has nothing to persist")
}

func TestRegistry_GetOrCreate_FallbackOnLoadError(t *testing.T) {
	snapshots := new(mockSnapshotStore)
	snapshots.On("Load", mock.Anything, "board-1").Return(nil, errors.New("connection refused"))

	r := newTestRegistry(snapshots, nil)
	eng := r.GetOrCreate(context.Background(), "board-1")

	require.NotNil(t, eng, "board activation must not fail on store errors")
	assert.Equal(t, 0, eng.Len())
	snapshots.AssertExpectations(t)
}

func TestRegistry_Persist_NotResident(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), nil)
	assert.ErrorIs(t, r.Persist(context.Background(), "ghost"), ErrNotResident)
}

func TestRegistry_Evict_PersistsAndDrops(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	r := newTestRegistry(snapshots, nil)
	ctx := context.Background()

	eng := r.GetOrCreate(ctx, "board-1")
	eng.ApplyLocal(board.OpInsert, "e1", nodeFields("kept"))

	require.NoError(t, r.Evict(ctx, "board-1", "api"))
	assert.Empty(t, r.Resident())

	// eviction wrote the snapshot; reactivation restores the state
	revived := r.GetOrCreate(ctx, "board-1")
	assert.NotSame(t, eng, revived)
	assert.Equal(t, 1, revived.Len())
	el, ok := revived.Get("e1")
	require.True(t, ok)
	assert.JSONEq(t, `"kept"`, string(el.Fields["label"]))
}

func TestRegistry_Evict_MissingBoardIsNoop(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), nil)
	assert.NoError(t, r.Evict(context.Background(), "ghost", "api"))
}

func TestRegistry_Drop_DiscardsUnpersistedState(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	r := newTestRegistry(snapshots, nil)
	ctx := context.Background()

	eng := r.GetOrCreate(ctx, "board-1")
	eng.ApplyLocal(board.OpInsert, "e1", nodeFields("doomed"))

	assert.True(t, r.Drop("board-1"))
	assert.False(t, r.Drop("board-1"), "second drop reports the board was gone")
	assert.Empty(t, r.Resident())

	// nothing was written; reactivation starts from scratch
	ids, err := snapshots.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, r.GetOrCreate(ctx, "board-1").Len())
}

func TestRegistry_Evict_AbortsWhenPersistFails(t *testing.T) {
	snapshots := new(mockSnapshotStore)
	snapshots.On("Load", mock.Anything, "board-1").Return(nil, store.ErrNotFound)
	snapshots.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	r := newTestRegistry(snapshots, nil)
	ctx := context.Background()

	eng := r.GetOrCreate(ctx, "board-1")
	eng.ApplyLocal(board.OpInsert, "e1", nodeFields("unsaved"))

	assert.Error(t, r.Evict(ctx, "board-1", "idle"))
	assert.Equal(t, []string{"board-1"}, r.Resident(), "board must stay resident when its state cannot be saved")
	assert.True(t, eng.Dirty())
}

func TestRegistry_SnapshotSweep_PersistsDirtyBoards(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	r := newTestRegistry(snapshots, nil)
	ctx := context.Background()

	dirty := r.GetOrCreate(ctx, "board-dirty")
	dirty.ApplyLocal(board.OpInsert, "e1", nodeFields("x"))
	r.GetOrCreate(ctx, "board-clean")

	assert.Equal(t, 1, r.SnapshotSweep(ctx))
	assert.False(t, dirty.Dirty())

	ids, err := snapshots.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"board-dirty"}, ids)

	// nothing is due on the next pass
	assert.Equal(t, 0, r.SnapshotSweep(ctx))
}

func TestRegistry_SnapshotSweep_FailedPersistStaysDirty(t *testing.T) {
	snapshots := new(mockSnapshotStore)
	snapshots.On("Load", mock.Anything, mock.Anything).Return(nil, store.ErrNotFound)
	snapshots.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	r := newTestRegistry(snapshots, nil)
	ctx := context.Background()

	eng := r.GetOrCreate(ctx, "board-1")
	eng.ApplyLocal(board.OpInsert, "e1", nodeFields("x"))

	assert.Equal(t, 0, r.SnapshotSweep(ctx))
	assert.True(t, eng.Dirty(), "failed persists leave the board due for the next sweep")
}

func TestRegistry_EvictIdle(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	r := newTestRegistry(snapshots, func(cfg *config.Config) {
		cfg.Boards.IdleEviction = time.Millisecond
	})
	r.SetInUseFunc(func(boardID string) int {
		if boardID == "board-busy" {
			return 2
		}
		return 0
	})
	ctx := context.Background()

	r.GetOrCreate(ctx, "board-idle")
	r.GetOrCreate(ctx, "board-busy")
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, r.EvictIdle(ctx))
	assert.Equal(t, []string{"board-busy"}, r.Resident(), "boards with live sessions are never idle-evicted")
}

func TestRegistry_Touch_KeepsBoardWarm(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), func(cfg *config.Config) {
		cfg.Boards.IdleEviction = 50 * time.Millisecond
	})
	ctx := context.Background()

	r.GetOrCreate(ctx, "board-1")
	time.Sleep(30 * time.Millisecond)
	r.Touch("board-1")
	time.Sleep(30 * time.Millisecond)

	// touched halfway through, so the full idle window has not elapsed
	assert.Equal(t, 0, r.EvictIdle(ctx))
}

func TestRegistry_Shutdown_FlushesDirtyBoards(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	r := newTestRegistry(snapshots, nil)
	ctx := context.Background()

	r.GetOrCreate(ctx, "board-a").ApplyLocal(board.OpInsert, "e1", nodeFields("a"))
	r.GetOrCreate(ctx, "board-b").ApplyLocal(board.OpInsert, "e2", nodeFields("b"))
	r.GetOrCreate(ctx, "board-clean")

	r.Shutdown(ctx)

	assert.Empty(t, r.Resident())
	ids, err := snapshots.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"board-a", "board-b"}, ids)
}

func TestRegistry_Stats(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), nil)
	ctx := context.Background()

	eng := r.GetOrCreate(ctx, "board-1")
	eng.ApplyLocal(board.OpInsert, "e1", nodeFields("x"))
	eng.ApplyLocal(board.OpDelete, "e9", nil)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "board-1", stats[0].BoardID)
	assert.Equal(t, 1, stats[0].Elements)
	assert.Equal(t, 1, stats[0].Tombstones)
	assert.Equal(t, int64(2), stats[0].LogicalClock)
	assert.True(t, stats[0].Dirty)
	assert.False(t, stats[0].LastActive.IsZero())
}

func TestJanitor_RejectsInvalidSchedule(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), nil)

	_, err := NewJanitor(r, "not a schedule", "@every 5m", zap.NewNop())
	assert.Error(t, err)

	_, err = NewJanitor(r, "@every 1m", "never", zap.NewNop())
	assert.Error(t, err)
}

func TestJanitor_StartStop(t *testing.T) {
	r := newTestRegistry(store.NewMemorySnapshotStore(), nil)

	j, err := NewJanitor(r, "@every 1m", "@every 5m", zap.NewNop())
	require.NoError(t, err)

	j.Start()
	j.Stop()
}
