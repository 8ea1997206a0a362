package registry

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor runs the registry's scheduled maintenance: snapshot sweeps and
// idle eviction, on cron schedules from the configuration.
type Janitor struct {
	cron     *cron.Cron
	registry *Registry
	logger   *zap.Logger
}

// NewJanitor registers the two maintenance jobs. Schedule strings use the
// cron spec format, including @every shorthands.
func NewJanitor(registry *Registry, snapshotSchedule, evictionSchedule string, logger *zap.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:     cron.New(),
		registry: registry,
		logger:   logger,
	}

	if _, err := j.cron.AddFunc(snapshotSchedule, j.snapshotSweep); err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", snapshotSchedule, err)
	}
	if _, err := j.cron.AddFunc(evictionSchedule, j.evictionSweep); err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", evictionSchedule, err)
	}
	return j, nil
}

// Start begins running the schedules in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("registry janitor started")
}

// Stop halts the schedules and waits for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("registry janitor stopped")
}

func (j *Janitor) snapshotSweep() {
	if n := j.registry.SnapshotSweep(context.Background()); n > 0 {
		j.logger.Info("snapshot sweep complete", zap.Int("boards_persisted", n))
	}
}

func (j *Janitor) evictionSweep() {
	if n := j.registry.EvictIdle(context.Background()); n > 0 {
		j.logger.Info("eviction sweep complete", zap.Int("boards_evicted", n))
	}
}
