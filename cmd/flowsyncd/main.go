// Package main provides the entry point for the flowsync coordinator
// daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MRuhan17/flowspace-sync/internal/auth"
	"github.com/MRuhan17/flowspace-sync/internal/config"
	"github.com/MRuhan17/flowspace-sync/internal/metrics"
	"github.com/MRuhan17/flowspace-sync/internal/presence"
	"github.com/MRuhan17/flowspace-sync/internal/registry"
	"github.com/MRuhan17/flowspace-sync/internal/server"
	"github.com/MRuhan17/flowspace-sync/internal/store"
	"github.com/MRuhan17/flowspace-sync/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load configuration", zap.Error(err))
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting flowsync coordinator",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("snapshot_backend", cfg.Snapshots.Backend),
	)

	ctx := context.Background()

	// Snapshot store
	var snapshots store.SnapshotStore
	switch cfg.Snapshots.Backend {
	case "postgres":
		pg, err := store.NewPostgresSnapshotStore(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure snapshot schema", zap.Error(err))
		}
		snapshots = pg
	case "file":
		fs, err := store.NewFileSnapshotStore(cfg.Snapshots.Directory, logger)
		if err != nil {
			logger.Fatal("failed to open snapshot directory", zap.Error(err))
		}
		snapshots = fs
	default:
		snapshots = store.NewMemorySnapshotStore()
	}
	logger.Info("snapshot store initialized", zap.String("backend", cfg.Snapshots.Backend))

	// Presence store
	var pres presence.Store
	if cfg.Redis.Enabled {
		rs, err := presence.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Presence.TTL, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		pres = rs
		logger.Info("presence store initialized", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
	} else {
		pres = presence.NewMemoryStore(cfg.Presence.TTL)
		logger.Info("presence store initialized", zap.String("backend", "memory"))
	}

	// Metrics
	m := metrics.NewMetrics()
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		logger.Info("metrics server started",
			zap.Int("port", cfg.Metrics.Port),
			zap.String("path", cfg.Metrics.Path),
		)
	}

	// Board registry and hub
	reg := registry.NewRegistry(snapshots, cfg, m, logger)
	hub := transport.NewHub(reg, pres, cfg, m, logger)
	reg.SetInUseFunc(hub.SessionCount)

	janitor, err := registry.NewJanitor(reg, cfg.Snapshots.Schedule, cfg.Boards.EvictionSchedule, logger)
	if err != nil {
		logger.Fatal("failed to create janitor", zap.Error(err))
	}
	janitor.Start()
	logger.Info("janitor started",
		zap.String("snapshot_schedule", cfg.Snapshots.Schedule),
		zap.String("eviction_schedule", cfg.Boards.EvictionSchedule),
	)

	// Board token auth
	var authManager *auth.Manager
	if cfg.Auth.Enabled {
		authManager = auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)
		logger.Info("board token auth enabled")
	}

	// HTTP server
	httpServer := server.NewServer(cfg, reg, hub, snapshots, pres, authManager, logger)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()
	logger.Info("HTTP server started", zap.Int("port", cfg.Server.Port))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting HTTP traffic, then close live sessions, then flush
	// every dirty board. The registry flush must run after the hub closes
	// or sessions could dirty boards behind the final persist.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}
	hub.Shutdown()
	janitor.Stop()
	reg.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	if err := snapshots.Close(); err != nil {
		logger.Error("failed to close snapshot store", zap.Error(err))
	}
	if err := pres.Close(); err != nil {
		logger.Error("failed to close presence store", zap.Error(err))
	}

	logger.Info("flowsync coordinator stopped")
}

// initLogger builds the zap logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
