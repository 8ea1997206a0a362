// Package server provides the HTTP surface of the daemon: the WebSocket
// attach point, the board admin API, and health endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/auth"
	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/health"
	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/registry"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/internal/transport"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *Handlers
	healthCheck  *health.HealthCheck
	errorHandler *ErrorHandler
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	hub *transport.Hub,
	snapshots store.SnapshotStore,
	pres presence.Store,
	authManager *auth.Manager,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := NewErrorHandler(logger)
	handlers := NewHandlers(reg, hub, snapshots, pres, authManager, errorHandler, logger, cfg)
	healthCheck := health.NewHealthCheck(snapshots, pres, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	chain := Chain(
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
		CORS(s.cfg.Server.AllowedOrigins),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// WebSocket attach point; the connection is hijacked at upgrade, so
	// server timeouts only cover the handshake
	s.router.HandleFunc("/ws/boards/{board_id}", s.handlers.ServeWS).Methods(http.MethodGet)

	// API v1 routes
	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/boards", s.handlers.ListBoards).Methods(http.MethodGet)
	v1.HandleFunc("/boards/{board_id}", s.handlers.GetBoard).Methods(http.MethodGet)
	v1.HandleFunc("/boards/{board_id}", s.handlers.DeleteBoard).Methods(http.MethodDelete)
	v1.HandleFunc("/boards/{board_id}/snapshot", s.handlers.GetSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/boards/{board_id}/snapshot", s.handlers.TriggerSnapshot).Methods(http.MethodPost)
	v1.HandleFunc("/boards/{board_id}/presence", s.handlers.GetPresence).Methods(http.MethodGet)

	// Not found handler
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, ErrorCodeInvalidRequest, "endpoint not found", requestID)
	})

	// Method not allowed handler
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed", requestID)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", s.cfg.Server.Port),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
