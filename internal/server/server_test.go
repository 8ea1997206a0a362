package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/auth"
	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/metrics"
	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/registry"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/internal/transport"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
	"github.com/MRuhan17/flowspace-sync/pkg/engine"
)

// collectors register on the process-global default registry once
var testMetrics = metrics.NewMetrics()

type testEnv struct {
	server    *Server
	registry  *registry.Registry
	hub       *transport.Hub
	snapshots *store.MemorySnapshotStore
	presence  *presence.MemoryStore
}

func newTestEnv(mutate func(cfg *config.Config)) *testEnv {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	snapshots := store.NewMemorySnapshotStore()
	pres := presence.NewMemoryStore(cfg.Presence.TTL)
	reg := registry.NewRegistry(snapshots, cfg, testMetrics, zap.NewNop())
	hub := transport.NewHub(reg, pres, cfg, testMetrics, zap.NewNop())
	reg.SetInUseFunc(hub.SessionCount)

	var authManager *auth.Manager
	if cfg.Auth.Enabled {
		authManager = auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	}

	srv := NewServer(cfg, reg, hub, snapshots, pres, authManager, zap.NewNop())
	srv.SetupRoutes()

	return &testEnv{
		server:    srv,
		registry:  reg,
		hub:       hub,
		snapshots: snapshots,
		presence:  pres,
	}
}

func (env *testEnv) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Request-ID", "req-test")
	rec := httptest.NewRecorder()
	env.server.GetHandler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func seedBoard(env *testEnv, boardID string, elements int) {
	eng := env.registry.GetOrCreate(context.Background(), boardID)
	for i := 0; i < elements; i++ {
		eng.ApplyLocal(board.OpInsert, fmt.Sprintf("e%d", i), board.Fields{
			"kind": json.RawMessage(`"node"`),
			"x":    json.RawMessage(`1`),
			"y":    json.RawMessage(`2`),
		})
	}
}

func TestServer_ListBoards(t *testing.T) {
	env := newTestEnv(nil)

	// one board only persisted, one only resident
	seed := engine.New("writer-a")
	seed.ApplyLocal(board.OpInsert, "e1", board.Fields{
		"kind": json.RawMessage(`"node"`), "x": json.RawMessage(`1`), "y": json.RawMessage(`2`),
	})
	require.NoError(t, env.snapshots.Save(context.Background(), seed.Snapshot("board-cold")))
	seedBoard(env, "board-live", 2)

	rec := env.request(t, http.MethodGet, "/v1/boards")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[ListBoardsResponse](t, rec)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "board-cold", resp.Boards[0].BoardID)
	assert.False(t, resp.Boards[0].Resident)
	assert.Equal(t, "board-live", resp.Boards[1].BoardID)
	assert.True(t, resp.Boards[1].Resident)
	assert.Equal(t, 2, resp.Boards[1].Elements)
	assert.True(t, resp.Boards[1].Dirty)
	assert.NotNil(t, resp.Boards[1].LastActive)
}

func TestServer_GetBoard(t *testing.T) {
	env := newTestEnv(nil)
	seedBoard(env, "board-live", 1)

	rec := env.request(t, http.MethodGet, "/v1/boards/board-live")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[BoardSummary](t, rec)
	assert.True(t, resp.Resident)
	assert.Equal(t, 1, resp.Elements)
	assert.Equal(t, int64(1), resp.LogicalClock)
}

func TestServer_GetBoard_PersistedOnly(t *testing.T) {
	env := newTestEnv(nil)

	seed := engine.New("writer-a")
	seed.ApplyLocal(board.OpInsert, "e1", board.Fields{
		"kind": json.RawMessage(`"node"`), "x": json.RawMessage(`1`), "y": json.RawMessage(`2`),
	})
	seed.ApplyLocal(board.OpDelete, "e2", nil)
	require.NoError(t, env.snapshots.Save(context.Background(), seed.Snapshot("board-cold")))

	rec := env.request(t, http.MethodGet, "/v1/boards/board-cold")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[BoardSummary](t, rec)
	assert.False(t, resp.Resident)
	assert.Equal(t, 1, resp.Elements)
	assert.Equal(t, 1, resp.Tombstones)
	assert.Equal(t, int64(2), resp.LogicalClock)

	// an info read must not activate the board
	assert.Empty(t, env.registry.Resident())
}

func TestServer_GetBoard_NotFound(t *testing.T) {
	env := newTestEnv(nil)

	rec := env.request(t, http.MethodGet, "/v1/boards/ghost")
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, ErrorCodeBoardNotFound, resp.ErrorCode)
	assert.Equal(t, "req-test", resp.RequestID)
	assert.Equal(t, "req-test", rec.Header().Get("X-Request-ID"))
}

func TestServer_GetSnapshot(t *testing.T) {
	env := newTestEnv(nil)
	seedBoard(env, "board-live", 2)

	rec := env.request(t, http.MethodGet, "/v1/boards/board-live/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeJSON[board.Snapshot](t, rec)
	assert.Equal(t, "board-live", snap.BoardID)
	assert.Len(t, snap.Elements, 2)
	assert.Equal(t, int64(2), snap.LogicalClock)
}

func TestServer_GetSnapshot_NotFound(t *testing.T) {
	env := newTestEnv(nil)

	rec := env.request(t, http.MethodGet, "/v1/boards/ghost/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TriggerSnapshot(t *testing.T) {
	env := newTestEnv(nil)
	seedBoard(env, "board-live", 1)

	rec := env.request(t, http.MethodPost, "/v1/boards/board-live/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[StatusResponse](t, rec)
	assert.Equal(t, "persisted", resp.Status)

	ids, err := env.snapshots.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"board-live"}, ids)
}

func TestServer_TriggerSnapshot_NotResident(t *testing.T) {
	env := newTestEnv(nil)

	rec := env.request(t, http.MethodPost, "/v1/boards/ghost/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DeleteBoard(t *testing.T) {
	env := newTestEnv(nil)
	seedBoard(env, "board-live", 1)
	require.NoError(t, env.registry.Persist(context.Background(), "board-live"))

	rec := env.request(t, http.MethodDelete, "/v1/boards/board-live")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, env.registry.Resident())
	ids, err := env.snapshots.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestServer_DeleteBoard_NotFound(t *testing.T) {
	env := newTestEnv(nil)

	rec := env.request(t, http.MethodDelete, "/v1/boards/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Presence(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()
	require.NoError(t, env.presence.Join(ctx, "board-1", "alice"))
	require.NoError(t, env.presence.Join(ctx, "board-1", "bob"))

	rec := env.request(t, http.MethodGet, "/v1/boards/board-1/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[PresenceResponse](t, rec)
	assert.Equal(t, []string{"alice", "bob"}, resp.Clients)
	assert.Equal(t, 2, resp.Count)
}

func TestServer_UnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(nil)

	rec := env.request(t, http.MethodGet, "/v2/boards")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, ErrorCodeInvalidRequest, resp.ErrorCode)

	rec = env.request(t, http.MethodPut, "/v1/boards")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_HealthEndpoints(t *testing.T) {
	env := newTestEnv(nil)

	rec := env.request(t, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	// memory stores always answer pings
	rec = env.request(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestServer_WebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(nil)
	srv := httptest.NewServer(env.server.GetHandler())
	defer srv.Close()

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/boards/board-1?client=alice"), nil)
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/boards/board-1?client=bob"), nil)
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool {
		return env.hub.SessionCount("board-1") == 2
	}, time.Second, 5*time.Millisecond)

	op := board.Operation{
		ID:        "op-1",
		Timestamp: 3,
		WriterID:  "alice",
		Kind:      board.OpInsert,
		ElementID: "e1",
		Payload: board.Fields{
			"kind": json.RawMessage(`"node"`),
			"x":    json.RawMessage(`4`),
			"y":    json.RawMessage(`5`),
		},
	}
	data, err := transport.OperationEnvelope(op).Encode()
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := bob.ReadMessage()
	require.NoError(t, err)
	decoded, err := transport.DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, op, *decoded.Op)

	// sessions announce themselves in presence
	clients, err := env.presence.List(context.Background(), "board-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, clients)

	// boards with live sessions cannot be deleted
	rec := env.request(t, http.MethodDelete, "/v1/boards/board-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, ErrorCodeBoardInUse, resp.ErrorCode)
}

func TestServer_WebSocketAuth(t *testing.T) {
	secret := "test-secret"
	env := newTestEnv(func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = secret
	})
	srv := httptest.NewServer(env.server.GetHandler())
	defer srv.Close()

	// no token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/boards/board-1?client=alice"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	manager := auth.NewManager(secret, time.Hour)

	// token for another board
	wrong, err := manager.IssueBoardToken("board-2", "alice")
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "/ws/boards/board-1?client=alice&token="+wrong), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// valid token connects, and the claimed identity wins over the query
	token, err := manager.IssueBoardToken("board-1", "alice")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/boards/board-1?client=mallory&token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		clients, err := env.presence.List(context.Background(), "board-1")
		return err == nil && len(clients) == 1 && clients[0] == "alice"
	}, time.Second, 5*time.Millisecond)
}

func TestServer_TriggerSnapshot_RequiresToken(t *testing.T) {
	env := newTestEnv(func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "test-secret"
	})
	seedBoard(env, "board-live", 1)

	rec := env.request(t, http.MethodPost, "/v1/boards/board-live/snapshot")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewManager("test-secret", time.Hour).IssueBoardToken("board-live", "ops")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/boards/board-live/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	env.server.GetHandler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
