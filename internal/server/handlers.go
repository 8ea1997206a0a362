package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/auth"
	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/registry"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/internal/transport"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	registry     *registry.Registry
	hub          *transport.Hub
	snapshots    store.SnapshotStore
	presence     presence.Store
	auth         *auth.Manager
	errorHandler *ErrorHandler
	upgrader     websocket.Upgrader
	logger       *zap.Logger
	timeout      time.Duration
}

// NewHandlers creates a new Handlers instance. The auth manager is nil
// when token checks are disabled.
func NewHandlers(
	reg *registry.Registry,
	hub *transport.Hub,
	snapshots store.SnapshotStore,
	pres presence.Store,
	authManager *auth.Manager,
	errorHandler *ErrorHandler,
	logger *zap.Logger,
	cfg *config.Config,
) *Handlers {
	allowed := cfg.Server.AllowedOrigins
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}

	return &Handlers{
		registry:     reg,
		hub:          hub,
		snapshots:    snapshots,
		presence:     pres,
		auth:         authManager,
		errorHandler: errorHandler,
		upgrader:     upgrader,
		logger:       logger,
		timeout:      10 * time.Second,
	}
}

// BoardSummary describes one board in list and detail responses.
type BoardSummary struct {
	BoardID      string     `json:"board_id"`
	Resident     bool       `json:"resident"`
	Elements     int        `json:"elements"`
	Tombstones   int        `json:"tombstones"`
	LogicalClock int64      `json:"logical_clock"`
	Dirty        bool       `json:"dirty"`
	Sessions     int        `json:"sessions"`
	LastActive   *time.Time `json:"last_active,omitempty"`
}

// ListBoardsResponse is the response for GET /v1/boards.
type ListBoardsResponse struct {
	Boards []BoardSummary `json:"boards"`
	Count  int            `json:"count"`
}

// PresenceResponse is the response for GET /v1/boards/{board_id}/presence.
type PresenceResponse struct {
	BoardID string   `json:"board_id"`
	Clients []string `json:"clients"`
	Count   int      `json:"count"`
}

// StatusResponse acknowledges a state-changing request.
type StatusResponse struct {
	Status  string `json:"status"`
	BoardID string `json:"board_id"`
}

// ListBoards handles GET /v1/boards requests. The listing merges persisted
// boards with resident ones, so a board registers here whether it lives in
// the snapshot store, in memory, or both.
func (h *Handlers) ListBoards(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	persisted, err := h.snapshots.List(ctx)
	if err != nil {
		h.errorHandler.WriteServiceUnavailable(w, "snapshot store unavailable: "+err.Error(), requestID)
		return
	}

	byID := make(map[string]BoardSummary, len(persisted))
	for _, id := range persisted {
		byID[id] = BoardSummary{BoardID: id}
	}
	for _, st := range h.registry.Stats() {
		lastActive := st.LastActive
		byID[st.BoardID] = BoardSummary{
			BoardID:      st.BoardID,
			Resident:     true,
			Elements:     st.Elements,
			Tombstones:   st.Tombstones,
			LogicalClock: st.LogicalClock,
			Dirty:        st.Dirty,
			Sessions:     h.hub.SessionCount(st.BoardID),
			LastActive:   &lastActive,
		}
	}

	boards := make([]BoardSummary, 0, len(byID))
	for _, summary := range byID {
		boards = append(boards, summary)
	}
	sort.Slice(boards, func(i, j int) bool { return boards[i].BoardID < boards[j].BoardID })

	h.writeJSONResponse(w, http.StatusOK, ListBoardsResponse{Boards: boards, Count: len(boards)})
}

// GetBoard handles GET /v1/boards/{board_id} requests.
func (h *Handlers) GetBoard(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	boardID := mux.Vars(r)["board_id"]

	for _, st := range h.registry.Stats() {
		if st.BoardID != boardID {
			continue
		}
		lastActive := st.LastActive
		h.writeJSONResponse(w, http.StatusOK, BoardSummary{
			BoardID:      st.BoardID,
			Resident:     true,
			Elements:     st.Elements,
			Tombstones:   st.Tombstones,
			LogicalClock: st.LogicalClock,
			Dirty:        st.Dirty,
			Sessions:     h.hub.SessionCount(st.BoardID),
			LastActive:   &lastActive,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.snapshots.Load(ctx, boardID)
	if errors.Is(err, store.ErrNotFound) {
		h.errorHandler.WriteBoardNotFound(w, boardID, requestID)
		return
	}
	if err != nil {
		h.errorHandler.WriteServiceUnavailable(w, "snapshot store unavailable: "+err.Error(), requestID)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, BoardSummary{
		BoardID:      boardID,
		Elements:     len(snap.Elements),
		Tombstones:   len(snap.Tombstones),
		LogicalClock: snap.LogicalClock,
	})
}

// GetSnapshot handles GET /v1/boards/{board_id}/snapshot requests. A
// resident board answers from memory; otherwise the stored snapshot is
// returned without pulling the board into the registry.
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	boardID := mux.Vars(r)["board_id"]

	for _, id := range h.registry.Resident() {
		if id == boardID {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			eng := h.registry.GetOrCreate(ctx, boardID)
			h.writeJSONResponse(w, http.StatusOK, eng.Snapshot(boardID))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.snapshots.Load(ctx, boardID)
	if errors.Is(err, store.ErrNotFound) {
		h.errorHandler.WriteBoardNotFound(w, boardID, requestID)
		return
	}
	if err != nil {
		h.errorHandler.WriteServiceUnavailable(w, "snapshot store unavailable: "+err.Error(), requestID)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, snap)
}

// requireBoardToken enforces board-scoped tokens on mutating routes when
// auth is enabled. It writes the error response itself and reports whether
// the caller may proceed.
func (h *Handlers) requireBoardToken(w http.ResponseWriter, r *http.Request, boardID, requestID string) bool {
	if h.auth == nil {
		return true
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		h.errorHandler.WriteUnauthorized(w, "token required", requestID)
		return false
	}
	if _, err := h.auth.ValidateForBoard(token, boardID); err != nil {
		h.errorHandler.WriteUnauthorized(w, err.Error(), requestID)
		return false
	}
	return true
}

// TriggerSnapshot handles POST /v1/boards/{board_id}/snapshot requests.
func (h *Handlers) TriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	boardID := mux.Vars(r)["board_id"]

	if !h.requireBoardToken(w, r, boardID, requestID) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	err := h.registry.Persist(ctx, boardID)
	if errors.Is(err, registry.ErrNotResident) {
		h.errorHandler.WriteBoardNotFound(w, boardID, requestID)
		return
	}
	if err != nil {
		h.errorHandler.WriteServiceUnavailable(w, "failed to persist board: "+err.Error(), requestID)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "persisted", BoardID: boardID})
}

// DeleteBoard handles DELETE /v1/boards/{board_id} requests. Boards with
// live sessions cannot be deleted; dropping the resident engine while its
// snapshot kept being recreated would fork the board's history.
func (h *Handlers) DeleteBoard(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	boardID := mux.Vars(r)["board_id"]

	if !h.requireBoardToken(w, r, boardID, requestID) {
		return
	}

	if sessions := h.hub.SessionCount(boardID); sessions > 0 {
		h.errorHandler.WriteErrorResponse(w, http.StatusConflict, ErrorCodeBoardInUse,
			"board has active sessions", requestID)
		return
	}

	dropped := h.registry.Drop(boardID)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	// Delete treats missing ids as success, so a board that was neither
	// resident nor persisted has to be caught here.
	if !dropped {
		if _, err := h.snapshots.Load(ctx, boardID); errors.Is(err, store.ErrNotFound) {
			h.errorHandler.WriteBoardNotFound(w, boardID, requestID)
			return
		} else if err != nil {
			h.errorHandler.WriteServiceUnavailable(w, "snapshot store unavailable: "+err.Error(), requestID)
			return
		}
	}

	if err := h.snapshots.Delete(ctx, boardID); err != nil {
		h.errorHandler.WriteServiceUnavailable(w, "failed to delete snapshot: "+err.Error(), requestID)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, StatusResponse{Status: "deleted", BoardID: boardID})
}

// GetPresence handles GET /v1/boards/{board_id}/presence requests.
func (h *Handlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	boardID := mux.Vars(r)["board_id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	clients, err := h.presence.List(ctx, boardID)
	if err != nil {
		h.errorHandler.WriteServiceUnavailable(w, "presence store unavailable: "+err.Error(), requestID)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, PresenceResponse{
		BoardID: boardID,
		Clients: clients,
		Count:   len(clients),
	})
}

// ServeWS handles GET /ws/boards/{board_id} requests by upgrading the
// connection and attaching it to the board's room.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	boardID := mux.Vars(r)["board_id"]

	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	if h.auth != nil {
		token := auth.TokenFromRequest(r)
		if token == "" {
			h.errorHandler.WriteUnauthorized(w, "token required", requestID)
			return
		}
		claims, err := h.auth.ValidateForBoard(token, boardID)
		if err != nil {
			h.errorHandler.WriteUnauthorized(w, err.Error(), requestID)
			return
		}
		if claims.ClientID != "" {
			// the token fixes the identity; the query parameter cannot
			// impersonate someone else
			clientID = claims.ClientID
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("board_id", boardID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return
	}

	h.hub.Attach(conn, boardID, clientID)
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}
