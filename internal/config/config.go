// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Session SessionConfig `mapstructure:"session"`
	Checker CheckerConfig `mapstructure:"checker"`
	Queue   QueueConfig   `mapstructure:"queue"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	JobsPerSecond float64 `mapstructure:"jobs_per_second"`
}

// SessionConfig configures the browser session pool.
type SessionConfig struct {
	PoolCapacity     int  `mapstructure:"pool_capacity"`
	NavTimeoutSec    int  `mapstructure:"nav_timeout_seconds"`
	SettleWaitMs     int  `mapstructure:"settle_wait_ms"`
	Headless         bool `mapstructure:"headless"`
	NoSandbox        bool `mapstructure:"no_sandbox"`
	IgnoreCertErrors bool `mapstructure:"ignore_cert_errors"`
	WarmupTimeoutSec int  `mapstructure:"warmup_timeout_seconds"`
	ShutdownGraceSec int  `mapstructure:"shutdown_grace_seconds"`
}

// CheckerConfig governs the per-link attempt loop.
type CheckerConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	CooldownSeconds   int `mapstructure:"cooldown_seconds"`
	DNSTimeoutSeconds int `mapstructure:"dns_timeout_seconds"`
}

// QueueConfig governs the job queue's retry and dead-letter behavior.
type QueueConfig struct {
	Depth              int `mapstructure:"depth"`
	MaxDeliveries      int `mapstructure:"max_deliveries"`
	BackoffInitialMs   int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int `mapstructure:"backoff_max_ms"`
	LockLifetimeSec    int `mapstructure:"lock_lifetime_seconds"`
	DeadLetterCapacity int `mapstructure:"dead_letter_capacity"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// StorageConfig selects the report blob backend.
type StorageConfig struct {
	Backend     string      `mapstructure:"backend"`
	Bucket      string      `mapstructure:"bucket"`
	Prefix      string      `mapstructure:"prefix"`
	ContentType string      `mapstructure:"content_type"`
	Local       LocalConfig `mapstructure:"local"`
}

// LocalConfig configures the local filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for publish-subscribe progress notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.jobs_per_second", 1.0)
	v.SetDefault("session.pool_capacity", 5)
	v.SetDefault("session.nav_timeout_seconds", 120)
	v.SetDefault("session.settle_wait_ms", 2000)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.no_sandbox", false)
	v.SetDefault("session.ignore_cert_errors", true)
	v.SetDefault("session.warmup_timeout_seconds", 30)
	v.SetDefault("session.shutdown_grace_seconds", 10)
	v.SetDefault("checker.max_attempts", 3)
	v.SetDefault("checker.cooldown_seconds", 2)
	v.SetDefault("checker.dns_timeout_seconds", 10)
	v.SetDefault("queue.depth", 1024)
	v.SetDefault("queue.max_deliveries", 3)
	v.SetDefault("queue.backoff_initial_ms", 250)
	v.SetDefault("queue.backoff_max_ms", 5000)
	v.SetDefault("queue.lock_lifetime_seconds", 300)
	v.SetDefault("queue.dead_letter_capacity", 256)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Session.PoolCapacity <= 0 {
		return fmt.Errorf("session.pool_capacity must be > 0")
	}
	if c.Session.NavTimeoutSec <= 0 {
		return fmt.Errorf("session.nav_timeout_seconds must be > 0")
	}
	if c.Checker.MaxAttempts <= 0 {
		return fmt.Errorf("checker.max_attempts must be > 0")
	}
	if c.Queue.MaxDeliveries <= 0 {
		return fmt.Errorf("queue.max_deliveries must be > 0")
	}
	if c.Queue.LockLifetimeSec <= 0 {
		return fmt.Errorf("queue.lock_lifetime_seconds must be > 0")
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set when backend is gcs")
	}
	if c.Storage.Backend == "local" && c.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir must be set when backend is local")
	}
	return nil
}

// NavTimeout returns the per-attempt navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Session.NavTimeoutSec) * time.Second
}

// LockLifetime returns the stalled-job lease lifetime as a duration.
func (c Config) LockLifetime() time.Duration {
	return time.Duration(c.Queue.LockLifetimeSec) * time.Second
}
