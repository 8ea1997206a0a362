package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/metrics"
	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/registry"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
)

const presenceTimeout = 5 * time.Second

// Hub fans board traffic out to the sessions attached to each board. One
// hub serves every board on the node; rooms are keyed by board id.
//
// Valid operations are rebroadcast to the board's other sessions even when
// the coordinator's own copy was already newer. A client that reconnected
// elsewhere may still need them, and duplicate delivery is harmless.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Session]bool

	registry *registry.Registry
	presence presence.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger

	sendBuffer      int
	maxMessageBytes int64
	opsPerSecond    float64
	burst           int
}

// NewHub creates a new session hub
func NewHub(reg *registry.Registry, pres presence.Store, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:           make(map[string]map[*Session]bool),
		registry:        reg,
		presence:        pres,
		metrics:         m,
		logger:          logger,
		sendBuffer:      cfg.Limits.SendBuffer,
		maxMessageBytes: int64(cfg.Limits.MaxMessageBytes),
		opsPerSecond:    cfg.Limits.OpsPerSecond,
		burst:           cfg.Limits.Burst,
	}
}

// SessionCount returns the number of sessions attached to a board
func (h *Hub) SessionCount(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[boardID])
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.boardID]
	if !ok {
		room = make(map[*Session]bool)
		h.rooms[s.boardID] = room
	}
	room[s] = true
	h.mu.Unlock()

	h.metrics.SessionsActive.Inc()
	h.registry.Touch(s.boardID)

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Join(ctx, s.boardID, s.clientID); err != nil {
		h.logger.Warn("failed to record presence",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
			zap.Error(err),
		)
	}

	h.logger.Info("session attached",
		zap.String("board_id", s.boardID),
		zap.String("client_id", s.clientID),
	)
}

// unregister runs from the read pump when the connection dies. Presence
// cleanup happens here even when the hub already dropped the session (slow
// consumer, shutdown): the read pump is the last to see every connection.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	h.removeLocked(s)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Leave(ctx, s.boardID, s.clientID); err != nil {
		h.logger.Warn("failed to clear presence",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
			zap.Error(err),
		)
	}

	h.logger.Info("session detached",
		zap.String("board_id", s.boardID),
		zap.String("client_id", s.clientID),
	)
}

// removeLocked drops a session from its room and closes its send channel.
// Callers hold h.mu. Returns false if the session was already gone, so the
// hub can drop a session it has already detached without a double close.
func (h *Hub) removeLocked(s *Session) bool {
	room, ok := h.rooms[s.boardID]
	if !ok || !room[s] {
		return false
	}
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, s.boardID)
	}
	close(s.send)
	h.metrics.SessionsActive.Dec()
	return true
}

// handleEnvelope processes one decoded frame from a session
func (h *Hub) handleEnvelope(s *Session, env *Envelope) {
	switch env.Type {
	case MessageOperation:
		h.handleOperation(s, env.Op)
	case MessageSnapshotRequest:
		h.handleSnapshotRequest(s)
	case MessageResyncBatch:
		h.handleResyncBatch(s, env.Ops)
	default:
		// snapshot and resync-result only flow coordinator to client
		h.metrics.RecordRejectedMessage("unexpected_type")
		h.logger.Warn("unexpected message type from client",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
			zap.String("type", env.Type),
		)
	}
}

func (h *Hub) handleOperation(s *Session, op *board.Operation) {
	if !s.limiter.Allow() {
		h.metrics.RecordRateLimited()
		h.logger.Debug("operation dropped by rate limit",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
		)
		return
	}

	if err := ValidateOperation(op); err != nil {
		h.metrics.RecordOperation(string(op.Kind), metrics.ResultRejected)
		h.logger.Warn("rejected invalid operation",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
			zap.Error(err),
		)
		return
	}

	eng := h.registry.GetOrCreate(context.Background(), s.boardID)
	applied := eng.ApplyRemote(*op)
	if applied {
		h.metrics.RecordOperation(string(op.Kind), metrics.ResultApplied)
	} else {
		h.metrics.RecordOperation(string(op.Kind), metrics.ResultStale)
	}
	h.registry.Touch(s.boardID)

	data, err := OperationEnvelope(*op).Encode()
	if err != nil {
		h.logger.Error("failed to encode operation for broadcast", zap.Error(err))
		return
	}
	h.broadcast(s.boardID, s, data)
}

func (h *Hub) handleSnapshotRequest(s *Session) {
	eng := h.registry.GetOrCreate(context.Background(), s.boardID)
	h.registry.Touch(s.boardID)

	data, err := SnapshotEnvelope(eng.Snapshot(s.boardID)).Encode()
	if err != nil {
		h.logger.Error("failed to encode snapshot",
			zap.String("board_id", s.boardID),
			zap.Error(err),
		)
		return
	}
	h.send(s, data)
}

func (h *Hub) handleResyncBatch(s *Session, ops []board.Operation) {
	if !s.limiter.AllowN(time.Now(), len(ops)) {
		h.metrics.RecordRateLimited()
		h.logger.Warn("resync batch dropped by rate limit",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
			zap.Int("ops", len(ops)),
		)
		return
	}

	eng := h.registry.GetOrCreate(context.Background(), s.boardID)

	valid := make([]board.Operation, 0, len(ops))
	for i := range ops {
		if err := ValidateOperation(&ops[i]); err != nil {
			h.metrics.RecordRejectedMessage("invalid_resync_op")
			h.logger.Warn("skipped invalid resync operation",
				zap.String("board_id", s.boardID),
				zap.String("client_id", s.clientID),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, ops[i])
	}

	applied := eng.ApplyOperations(valid)
	h.metrics.RecordResync(applied, len(ops))
	h.registry.Touch(s.boardID)

	h.logger.Info("resync batch applied",
		zap.String("board_id", s.boardID),
		zap.String("client_id", s.clientID),
		zap.Int("applied", applied),
		zap.Int("total", len(ops)),
	)

	result, err := ResyncResultEnvelope(applied, len(ops)).Encode()
	if err != nil {
		h.logger.Error("failed to encode resync result", zap.Error(err))
		return
	}
	h.send(s, result)

	if len(valid) == 0 {
		return
	}
	data, err := ResyncBatchEnvelope(valid).Encode()
	if err != nil {
		h.logger.Error("failed to encode resync batch for broadcast", zap.Error(err))
		return
	}
	h.broadcast(s.boardID, s, data)
}

// send delivers a frame to one session. Membership is rechecked under the
// lock so a frame never races the channel close in removeLocked.
func (h *Hub) send(s *Session, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[s.boardID]
	if !ok || !room[s] {
		return
	}
	select {
	case s.send <- data:
	default:
		h.removeLocked(s)
		h.logger.Warn("dropped slow consumer",
			zap.String("board_id", s.boardID),
			zap.String("client_id", s.clientID),
		)
	}
}

// broadcast sends a frame to every session on the board except the origin.
// Sessions whose send buffer is full are dropped; a consumer that cannot
// keep up would otherwise stall the board for everyone.
func (h *Hub) broadcast(boardID string, origin *Session, data []byte) {
	h.mu.Lock()
	var slow []*Session
	recipients := 0
	for sess := range h.rooms[boardID] {
		if sess == origin {
			continue
		}
		select {
		case sess.send <- data:
			recipients++
		default:
			slow = append(slow, sess)
		}
	}
	for _, sess := range slow {
		h.removeLocked(sess)
	}
	h.mu.Unlock()

	h.metrics.RecordBroadcast(recipients)
	for _, sess := range slow {
		h.logger.Warn("dropped slow consumer",
			zap.String("board_id", sess.boardID),
			zap.String("client_id", sess.clientID),
		)
	}
}

// Shutdown detaches every session. Write pumps send a close frame when the
// send channel closes, so clients see an orderly disconnect.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Session
	for _, room := range h.rooms {
		for sess := range room {
			all = append(all, sess)
		}
	}
	for _, sess := range all {
		h.removeLocked(sess)
	}
	h.mu.Unlock()

	h.logger.Info("hub shut down", zap.Int("sessions_closed", len(all)))
}
