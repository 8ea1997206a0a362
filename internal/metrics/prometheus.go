// Package metrics exposes Prometheus instrumentation for the flowsync
// daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation results as recorded on flowsync_operations_total.
const (
	ResultApplied  = "applied"
	ResultStale    = "stale"
	ResultRejected = "rejected"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	OperationsTotal      *prometheus.CounterVec
	ResyncOperations     *prometheus.CounterVec
	ResyncBatches        prometheus.Counter
	SnapshotPersistTotal *prometheus.CounterVec
	SnapshotPersistTime  *prometheus.HistogramVec
	SnapshotLoadTotal    *prometheus.CounterVec
	BoardsResident       prometheus.Gauge
	SessionsActive       prometheus.Gauge
	EvictionsTotal       *prometheus.CounterVec
	RateLimitedTotal     prometheus.Counter
	RejectedMessages     *prometheus.CounterVec
	BroadcastFanout      prometheus.Histogram
}

// NewMetrics creates and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		OperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowsync_operations_total",
				Help: "Operations received over the wire, by kind and merge result",
			},
			[]string{"kind", "result"},
		),
		ResyncOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowsync_resync_operations_total",
				Help: "Operations replayed from resync batches, by merge result",
			},
			[]string{"result"},
		),
		ResyncBatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flowsync_resync_batches_total",
				Help: "Resync batches received from reconnecting clients",
			},
		),
		SnapshotPersistTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowsync_snapshot_persist_total",
				Help: "Snapshot persistence attempts, by outcome",
			},
			[]string{"status"},
		),
		SnapshotPersistTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowsync_snapshot_persist_seconds",
				Help:    "Snapshot persistence latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		SnapshotLoadTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowsync_snapshot_load_total",
				Help: "Snapshot loads on board activation: ok, empty, or fallback",
			},
			[]string{"status"},
		),
		BoardsResident: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowsync_boards_resident",
				Help: "Boards currently held in memory",
			},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowsync_sessions_active",
				Help: "Open WebSocket sessions",
			},
		),
		EvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowsync_board_evictions_total",
				Help: "Boards evicted from memory, by reason",
			},
			[]string{"reason"},
		),
		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flowsync_rate_limited_total",
				Help: "Inbound operations dropped by per-session rate limiting",
			},
		),
		RejectedMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowsync_messages_rejected_total",
				Help: "Inbound messages rejected before the merge, by reason",
			},
			[]string{"reason"},
		),
		BroadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowsync_broadcast_fanout",
				Help:    "Recipients per broadcast message",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
	}
}

// RecordOperation records a wire operation and its merge result.
func (m *Metrics) RecordOperation(kind, result string) {
	m.OperationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordResync records one resync batch and its per-operation results.
func (m *Metrics) RecordResync(applied, total int) {
	m.ResyncBatches.Inc()
	m.ResyncOperations.WithLabelValues(ResultApplied).Add(float64(applied))
	if skipped := total - applied; skipped > 0 {
		m.ResyncOperations.WithLabelValues(ResultStale).Add(float64(skipped))
	}
}

// RecordSnapshotPersist records one persistence attempt.
func (m *Metrics) RecordSnapshotPersist(backend string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SnapshotPersistTotal.WithLabelValues(status).Inc()
	m.SnapshotPersistTime.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordSnapshotLoad records the outcome of a board activation load.
func (m *Metrics) RecordSnapshotLoad(status string) {
	m.SnapshotLoadTotal.WithLabelValues(status).Inc()
}

// RecordEviction records a board leaving memory.
func (m *Metrics) RecordEviction(reason string) {
	m.EvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordRejectedMessage records an inbound message dropped before merging.
func (m *Metrics) RecordRejectedMessage(reason string) {
	m.RejectedMessages.WithLabelValues(reason).Inc()
}

// RecordRateLimited records an operation dropped by the session limiter.
func (m *Metrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// RecordBroadcast records the fanout size of one broadcast.
func (m *Metrics) RecordBroadcast(recipients int) {
	m.BroadcastFanout.Observe(float64(recipients))
}
