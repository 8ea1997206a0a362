// Package health provides liveness and readiness endpoints for the daemon.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/store"
)

// HealthCheck manages health check functionality.
type HealthCheck struct {
	snapshots     store.SnapshotStore
	presence      presence.Store
	logger        *zap.Logger
	mu            sync.RWMutex
	ready         bool
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewHealthCheck creates a new HealthCheck instance and starts its
// background probe loop.
func NewHealthCheck(snapshots store.SnapshotStore, pres presence.Store, logger *zap.Logger) *HealthCheck {
	hc := &HealthCheck{
		snapshots:     snapshots,
		presence:      pres,
		logger:        logger,
		ready:         false,
		checkInterval: 5 * time.Second,
	}

	go hc.backgroundCheck()

	return hc
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health/live requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status: "healthy",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler handles GET /health/ready requests.
// Returns 200 OK if both backing stores answer pings.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hc.mu.RLock()
	isReady := hc.ready
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if isReady {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: "ready",
			Checks: map[string]string{"snapshots": "healthy", "presence": "healthy"},
		})
		return
	}

	// Perform a fresh check if not ready
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, err := hc.probe(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: "not_ready",
			Checks: checks,
			Error:  err.Error(),
		})
		return
	}

	hc.mu.Lock()
	hc.ready = true
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadinessResponse{
		Status: "ready",
		Checks: checks,
	})
}

// probe pings both stores and reports per-check status.
func (hc *HealthCheck) probe(ctx context.Context) (map[string]string, error) {
	checks := map[string]string{
		"snapshots": "healthy",
		"presence":  "healthy",
	}
	var firstErr error

	if err := hc.snapshots.Ping(ctx); err != nil {
		checks["snapshots"] = "unhealthy"
		firstErr = err
	}
	if err := hc.presence.Ping(ctx); err != nil {
		checks["presence"] = "unhealthy"
		if firstErr == nil {
			firstErr = err
		}
	}

	return checks, firstErr
}

// backgroundCheck performs periodic health checks.
func (hc *HealthCheck) backgroundCheck() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := hc.probe(ctx)
		cancel()

		hc.mu.Lock()
		if err != nil {
			hc.ready = false
			hc.logger.Warn("health check failed", zap.Error(err))
		} else {
			hc.ready = true
		}
		hc.lastCheck = time.Now()
		hc.mu.Unlock()
	}
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}
