package transport

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

	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/metrics"
	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/registry"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

// collectors register on the process-global default registry once
var testMetrics = metrics.NewMetrics()

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestHub(mutate func(cfg *config.Config)) (*Hub, *registry.Registry) {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	reg := registry.NewRegistry(store.NewMemorySnapshotStore(), cfg, testMetrics, zap.NewNop())
	h := NewHub(reg, presence.NewMemoryStore(cfg.Presence.TTL), cfg, testMetrics, zap.NewNop())
	reg.SetInUseFunc(h.SessionCount)
	return h, reg
}

func startServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Attach(conn, r.URL.Query().Get("board"), r.URL.Query().Get("client"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, boardID, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?board=" + boardID + "&client=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSessions(t *testing.T, h *Hub, boardID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.SessionCount(boardID) == n
	}, time.Second, 5*time.Millisecond)
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

// expectSilence asserts no frame arrives. It poisons the connection's read
// state, so it must be the last read on that connection.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func wireOp(kind board.OpKind, elementID string, ts int64, writerID string, payload board.Fields) board.Operation {
	return board.Operation{
		ID:        fmt.Sprintf("%s-%s-%d-%s", kind, elementID, ts, writerID),
		Timestamp: ts,
		WriterID:  writerID,
		Kind:      kind,
		ElementID: elementID,
		Payload:   payload,
	}
}

func wireNodeFields(x, y int) board.Fields {
	return board.Fields{
		"kind": json.RawMessage(`"node"`),
		"x":    json.RawMessage(fmt.Sprintf(`%d`, x)),
		"y":    json.RawMessage(fmt.Sprintf(`%d`, y)),
	}
}

func TestHub_BroadcastsToBoardPeers(t *testing.T) {
	h, reg := newTestHub(nil)
	srv := startServer(t, h)

	alice := dial(t, srv, "board-1", "alice")
	bob := dial(t, srv, "board-1", "bob")
	carol := dial(t, srv, "board-2", "carol")
	waitForSessions(t, h, "board-1", 2)
	waitForSessions(t, h, "board-2", 1)

	op := wireOp(board.OpInsert, "e1", 5, "alice", wireNodeFields(1, 2))
	writeEnvelope(t, alice, OperationEnvelope(op))

	got := readEnvelope(t, bob)
	assert.Equal(t, MessageOperation, got.Type)
	assert.Equal(t, op, *got.Op)

	// the coordinator applied it
	require.Eventually(t, func() bool {
		return reg.GetOrCreate(context.Background(), "board-1").Has("e1")
	}, time.Second, 5*time.Millisecond)

	// other boards and the origin see nothing
	expectSilence(t, carol)
	expectSilence(t, alice)
}

func TestHub_RebroadcastsStaleOperations(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := startServer(t, h)

	alice := dial(t, srv, "board-1", "alice")
	bob := dial(t, srv, "board-1", "bob")
	waitForSessions(t, h, "board-1", 2)

	op := wireOp(board.OpInsert, "e1", 5, "alice", wireNodeFields(1, 2))
	writeEnvelope(t, alice, OperationEnvelope(op))
	require.Equal(t, op, *readEnvelope(t, bob).Op)

	// the same op again is stale at the coordinator but a reconnecting
	// peer may still need it
	writeEnvelope(t, alice, OperationEnvelope(op))
	require.Equal(t, op, *readEnvelope(t, bob).Op)
}

func TestHub_SnapshotRequest(t *testing.T) {
	h, reg := newTestHub(nil)
	srv := startServer(t, h)

	eng := reg.GetOrCreate(context.Background(), "board-1")
	eng.ApplyRemote(wireOp(board.OpInsert, "e1", 3, "seed", wireNodeFields(1, 2)))
	eng.ApplyRemote(wireOp(board.OpDelete, "e2", 4, "seed", nil))

	conn := dial(t, srv, "board-1", "alice")
	waitForSessions(t, h, "board-1", 1)
	writeEnvelope(t, conn, SnapshotRequestEnvelope())

	got := readEnvelope(t, conn)
	require.Equal(t, MessageSnapshot, got.Type)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, "board-1", got.Snapshot.BoardID)
	require.Len(t, got.Snapshot.Elements, 1)
	assert.Equal(t, "e1", got.Snapshot.Elements[0].ID)
	require.Len(t, got.Snapshot.Tombstones, 1)
	assert.Equal(t, "e2", got.Snapshot.Tombstones[0].ElementID)
	assert.Equal(t, int64(5), got.Snapshot.LogicalClock)
}

func TestHub_ResyncBatch(t *testing.T) {
	h, reg := newTestHub(nil)
	srv := startServer(t, h)

	// e2 already has a newer write, so the batch's copy is stale
	eng := reg.GetOrCreate(context.Background(), "board-1")
	eng.ApplyRemote(wireOp(board.OpInsert, "e2", 10, "writer-z", wireNodeFields(9, 9)))

	alice := dial(t, srv, "board-1", "alice")
	bob := dial(t, srv, "board-1", "bob")
	waitForSessions(t, h, "board-1", 2)

	fresh := wireOp(board.OpInsert, "e1", 1, "alice", wireNodeFields(1, 1))
	stale := wireOp(board.OpInsert, "e2", 2, "alice", wireNodeFields(2, 2))
	invalid := wireOp(board.OpInsert, "", 3, "alice", wireNodeFields(3, 3))
	writeEnvelope(t, alice, ResyncBatchEnvelope([]board.Operation{fresh, stale, invalid}))

	result := readEnvelope(t, alice)
	require.Equal(t, MessageResyncResult, result.Type)
	assert.Equal(t, 1, *result.Applied)
	assert.Equal(t, 3, *result.Total)

	// peers get the valid subset, including the stale op
	batch := readEnvelope(t, bob)
	require.Equal(t, MessageResyncBatch, batch.Type)
	assert.Equal(t, []board.Operation{fresh, stale}, batch.Ops)

	assert.True(t, eng.Has("e1"))
	el, ok := eng.Get("e2")
	require.True(t, ok)
	assert.JSONEq(t, `9`, string(el.Fields["x"]), "stale batch op must not clobber newer state")
}

func TestHub_MalformedFrameKeepsSessionAlive(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := startServer(t, h)

	alice := dial(t, srv, "board-1", "alice")
	bob := dial(t, srv, "board-1", "bob")
	waitForSessions(t, h, "board-1", 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	writeEnvelope(t, alice, Envelope{Type: "presence-update"})

	// the session survives both bad frames
	op := wireOp(board.OpInsert, "e1", 5, "alice", wireNodeFields(1, 2))
	writeEnvelope(t, alice, OperationEnvelope(op))
	assert.Equal(t, op, *readEnvelope(t, bob).Op)
}

func TestHub_RejectsServerOnlyTypes(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := startServer(t, h)

	conn := dial(t, srv, "board-1", "alice")
	waitForSessions(t, h, "board-1", 1)

	// snapshot frames only flow coordinator to client; it is dropped but
	// the session stays usable
	writeEnvelope(t, conn, SnapshotEnvelope(&board.Snapshot{BoardID: "board-1"}))
	writeEnvelope(t, conn, SnapshotRequestEnvelope())

	got := readEnvelope(t, conn)
	assert.Equal(t, MessageSnapshot, got.Type)
}

func TestHub_RateLimitsOperations(t *testing.T) {
	h, reg := newTestHub(func(cfg *config.Config) {
		cfg.Limits.OpsPerSecond = 1
		cfg.Limits.Burst = 1
	})
	srv := startServer(t, h)

	alice := dial(t, srv, "board-1", "alice")
	bob := dial(t, srv, "board-1", "bob")
	waitForSessions(t, h, "board-1", 2)

	first := wireOp(board.OpInsert, "e1", 1, "alice", wireNodeFields(1, 1))
	second := wireOp(board.OpInsert, "e2", 2, "alice", wireNodeFields(2, 2))
	writeEnvelope(t, alice, OperationEnvelope(first))
	writeEnvelope(t, alice, OperationEnvelope(second))

	assert.Equal(t, first, *readEnvelope(t, bob).Op)
	expectSilence(t, bob)

	eng := reg.GetOrCreate(context.Background(), "board-1")
	assert.True(t, eng.Has("e1"))
	assert.False(t, eng.Has("e2"), "rate-limited ops are dropped before they reach the engine")
}

func TestHub_DropsSlowConsumer(t *testing.T) {
	h, _ := newTestHub(nil)

	// an unbuffered send channel is full from the start
	slow := &Session{
		hub:      h,
		boardID:  "board-1",
		clientID: "slow",
		send:     make(chan []byte),
	}
	h.register(slow)
	require.Equal(t, 1, h.SessionCount("board-1"))

	h.send(slow, []byte(`{"type":"snapshot-request"}`))
	assert.Equal(t, 0, h.SessionCount("board-1"))

	_, open := <-slow.send
	assert.False(t, open, "dropped sessions get their send channel closed")
}

func TestHub_SessionCountTracksDisconnects(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := startServer(t, h)

	conn := dial(t, srv, "board-1", "alice")
	waitForSessions(t, h, "board-1", 1)

	require.NoError(t, conn.Close())
	waitForSessions(t, h, "board-1", 0)
}

func TestHub_Shutdown(t *testing.T) {
	h, _ := newTestHub(nil)
	srv := startServer(t, h)

	conn := dial(t, srv, "board-1", "alice")
	dial(t, srv, "board-2", "bob")
	waitForSessions(t, h, "board-1", 1)
	waitForSessions(t, h, "board-2", 1)

	h.Shutdown()

	assert.Equal(t, 0, h.SessionCount("board-1"))
	assert.Equal(t, 0, h.SessionCount("board-2"))

	// the client sees an orderly close
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
