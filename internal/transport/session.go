package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Session is one WebSocket connection bound to one board
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	boardID  string
	clientID string
	send     chan []byte
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// Attach wraps an upgraded connection in a session, registers it on the
// board's room, and starts the read and write pumps. The caller is done
// with the connection after this returns.
func (h *Hub) Attach(conn *websocket.Conn, boardID, clientID string) *Session {
	s := &Session{
		hub:      h,
		conn:     conn,
		boardID:  boardID,
		clientID: clientID,
		send:     make(chan []byte, h.sendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.opsPerSecond), h.burst),
		logger:   h.logger,
	}

	h.register(s)

	go s.writePump()
	go s.readPump()
	return s
}

// readPump pumps frames from the connection into the hub
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.maxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := s.hub.presence.Heartbeat(ctx, s.boardID, s.clientID); err != nil {
			s.logger.Debug("presence heartbeat failed",
				zap.String("board_id", s.boardID),
				zap.String("client_id", s.clientID),
				zap.Error(err),
			)
		}
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("session read error",
					zap.String("board_id", s.boardID),
					zap.String("client_id", s.clientID),
					zap.Error(err),
				)
			}
			break
		}

		env, err := DecodeEnvelope(message)
		if err != nil {
			s.hub.metrics.RecordRejectedMessage("malformed")
			s.logger.Warn("discarded malformed frame",
				zap.String("board_id", s.boardID),
				zap.String("client_id", s.clientID),
				zap.Error(err),
			)
			continue
		}

		s.hub.handleEnvelope(s, env)
	}
}

// writePump pumps frames from the hub to the connection and keeps the
// connection alive with periodic pings
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the session
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
