// Package config manages configuration for the flowsync daemon: defaults,
// YAML file loading, environment overrides, and validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Boards    BoardsConfig    `mapstructure:"boards"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WebSocket server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BoardsConfig controls resident board behavior.
type BoardsConfig struct {
	OpLogCapacity    int           `mapstructure:"oplog_capacity"`
	IdleEviction     time.Duration `mapstructure:"idle_eviction"`
	EvictionSchedule string        `mapstructure:"eviction_schedule"`
}

// SnapshotsConfig controls snapshot persistence.
type SnapshotsConfig struct {
	Backend          string        `mapstructure:"backend"`
	Interval         time.Duration `mapstructure:"interval"`
	Schedule         string        `mapstructure:"schedule"`
	Directory        string        `mapstructure:"directory"`
	FlushConcurrency int           `mapstructure:"flush_concurrency"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis connection settings for the presence store.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PresenceConfig controls participant tracking.
type PresenceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LimitsConfig bounds per-session inbound traffic.
type LimitsConfig struct {
	OpsPerSecond    float64 `mapstructure:"ops_per_second"`
	Burst           int     `mapstructure:"burst"`
	MaxMessageBytes int64   `mapstructure:"max_message_bytes"`
	SendBuffer      int     `mapstructure:"send_buffer"`
}

// AuthConfig controls board access tokens on the WebSocket handshake.
type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the configuration used when no file or override
// sets a value. The defaults run a single-node daemon with in-memory
// snapshots and no external dependencies.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "flowsync-0",
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Boards: BoardsConfig{
			OpLogCapacity:    512,
			IdleEviction:     30 * time.Minute,
			EvictionSchedule: "@every 5m",
		},
		Snapshots: SnapshotsConfig{
			Backend:          "memory",
			Interval:         time.Minute,
			Schedule:         "@every 1m",
			Directory:        "./data/snapshots",
			FlushConcurrency: 4,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "flowsync",
			User:     "flowsync",
			Password: "flowsync",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Presence: PresenceConfig{
			TTL: 60 * time.Second,
		},
		Limits: LimitsConfig{
			OpsPerSecond:    120,
			Burst:           240,
			MaxMessageBytes: 1 << 20,
			SendBuffer:      256,
		},
		Auth: AuthConfig{
			Enabled:  false,
			TokenTTL: 12 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.NodeID == "" {
		return fmt.Errorf("server node_id must not be empty")
	}
	if c.Boards.OpLogCapacity < 100 || c.Boards.OpLogCapacity > 1000 {
		return fmt.Errorf("boards oplog_capacity must be within [100, 1000], got %d", c.Boards.OpLogCapacity)
	}
	if c.Boards.IdleEviction <= 0 {
		return fmt.Errorf("boards idle_eviction must be positive")
	}
	switch c.Snapshots.Backend {
	case "postgres", "file", "memory":
	default:
		return fmt.Errorf("unknown snapshots backend: %q", c.Snapshots.Backend)
	}
	if c.Snapshots.Interval <= 0 {
		return fmt.Errorf("snapshots interval must be positive")
	}
	if c.Snapshots.Backend == "file" && c.Snapshots.Directory == "" {
		return fmt.Errorf("snapshots directory must be set for the file backend")
	}
	if c.Snapshots.FlushConcurrency <= 0 {
		return fmt.Errorf("snapshots flush_concurrency must be positive")
	}
	if c.Limits.OpsPerSecond <= 0 || c.Limits.Burst <= 0 {
		return fmt.Errorf("limits ops_per_second and burst must be positive")
	}
	if c.Limits.MaxMessageBytes <= 0 {
		return fmt.Errorf("limits max_message_bytes must be positive")
	}
	if c.Limits.SendBuffer <= 0 {
		return fmt.Errorf("limits send_buffer must be positive")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth secret must be set when auth is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics port must differ from server port")
	}
	return nil
}
