// Package config loads and validates pagestore configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Export backends accepted by export.backend.
const (
	ExportLocal = "local"
	ExportGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Events   EventsConfig   `mapstructure:"events"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Export   ExportConfig   `mapstructure:"export"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
	RateLimitPerMinute    int      `mapstructure:"rate_limit_per_minute"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	MaxBodyBytes          int64    `mapstructure:"max_body_bytes"`
}

// RequestTimeout converts RequestTimeoutSeconds to a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// StorageConfig picks the page repository implementation.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// PostgresConfig controls the pgx pool used by the postgres backend.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig controls the go-redis client used by the redis backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// EventsConfig tunes the page change event hub.
type EventsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// PubSubConfig holds metadata for publishing change events. An empty topic
// disables the sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExportConfig selects where feed snapshots are written.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Platform convention: a bare PORT wins over the prefixed variable.
	if err := v.BindEnv("server.port", "PORT", "PAGESTORE_SERVER_PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

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
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.rate_limit_per_minute", 600)
	v.SetDefault("server.request_timeout_seconds", 10)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("postgres.table", "pages")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.auto_migrate", true)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "pagestore:")
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.sink_timeout_ms", 2000)
	v.SetDefault("export.backend", ExportLocal)
	v.SetDefault("export.base_dir", "data")
	v.SetDefault("export.prefix", "exports")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set when storage.backend is postgres")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when storage.backend is redis")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0 when events are enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	switch c.Export.Backend {
	case ExportLocal:
	case ExportGCS:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket must be set when export.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown export.backend %q", c.Export.Backend)
	}
	return nil
}
