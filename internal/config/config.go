// Package config loads and validates taskhub configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. TASKHUB_SERVER_PORT.
const EnvPrefix = "TASKHUB"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Session   SessionConfig   `mapstructure:"session"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	EventHub  EventHubConfig  `mapstructure:"eventhub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RegistryConfig bounds per-task event logs and subscriber channels.
type RegistryConfig struct {
	LogCapacity      int `mapstructure:"log_capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// ProgressConfig controls progress.update throttling.
type ProgressConfig struct {
	ThrottleMs int `mapstructure:"throttle_ms"`
}

// SessionConfig selects the session lock mode.
type SessionConfig struct {
	PerCredential bool `mapstructure:"per_credential"`
}

// ResolverConfig configures short-link resolution and the HTTP prober.
type ResolverConfig struct {
	ShortHosts         []string `mapstructure:"short_hosts"`
	DelayMs            int      `mapstructure:"delay_ms"`
	UserAgent          string   `mapstructure:"user_agent"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	HostRPS            float64  `mapstructure:"host_rps"`
	HostBurst          int      `mapstructure:"host_burst"`
}

// RetryConfig configures outbound retry behavior.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`

	// PromotionThresholdBytes is the visible-text size below which a
	// scripted snapshot page is re-rendered in the browser.
	PromotionThresholdBytes int `mapstructure:"promotion_threshold_bytes"`
}

// StorageConfig selects the blob store for page snapshots.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to the task-history database.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	SnapshotTable          string `mapstructure:"snapshot_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for task-finished notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventHubConfig controls batching of task records to sinks.
type EventHubConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	Batch         BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
}

// BatchConfig bounds one hub flush.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("registry.log_capacity", 2000)
	v.SetDefault("registry.subscriber_buffer", 200)
	v.SetDefault("registry.heartbeat_seconds", 10)
	v.SetDefault("progress.throttle_ms", 200)
	v.SetDefault("session.per_credential", false)
	v.SetDefault("resolver.short_hosts", []string{"v.douyin.com", "vm.tiktok.com", "vt.tiktok.com"})
	v.SetDefault("resolver.delay_ms", 1000)
	v.SetDefault("resolver.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("resolver.timeout_seconds", 15)
	v.SetDefault("resolver.insecure_skip_verify", false)
	v.SetDefault("resolver.host_rps", 2.0)
	v.SetDefault("resolver.host_burst", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold_bytes", 2048)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.local.base_dir", "./data/snapshots")
	v.SetDefault("database.table", "task_runs")
	v.SetDefault("database.snapshot_table", "page_snapshots")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("eventhub.enabled", true)
	v.SetDefault("eventhub.buffer_size", 4096)
	v.SetDefault("eventhub.batch.max_events", 1000)
	v.SetDefault("eventhub.batch.max_wait_ms", 500)
	v.SetDefault("eventhub.sink_timeout_ms", 10000)
	v.SetDefault("eventhub.log_enabled", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "taskhub")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Registry.LogCapacity <= 0 {
		return errors.New("registry.log_capacity must be > 0")
	}
	if c.Registry.SubscriberBuffer <= 0 {
		return errors.New("registry.subscriber_buffer must be > 0")
	}
	if c.Registry.HeartbeatSeconds <= 0 {
		return errors.New("registry.heartbeat_seconds must be > 0")
	}
	if c.Progress.ThrottleMs < 0 {
		return errors.New("progress.throttle_ms must be >= 0")
	}
	if c.Resolver.DelayMs < 0 {
		return errors.New("resolver.delay_ms must be >= 0")
	}
	if c.Resolver.TimeoutSeconds <= 0 {
		return errors.New("resolver.timeout_seconds must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return errors.New("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when telemetry is enabled")
	}
	return nil
}

// ResolverDelay is the pause between successive resolutions.
func (c Config) ResolverDelay() time.Duration {
	return time.Duration(c.Resolver.DelayMs) * time.Millisecond
}

// ProgressThrottle is the per-handle progress emission window.
func (c Config) ProgressThrottle() time.Duration {
	return time.Duration(c.Progress.ThrottleMs) * time.Millisecond
}

// Heartbeat is the SSE idle interval before a keepalive comment.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Registry.HeartbeatSeconds) * time.Second
}

// FetchTimeout bounds one outbound request.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Resolver.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
