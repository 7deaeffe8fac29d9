// Package config loads MaxQ's process configuration the way the teacher's
// internal/config does: viper layering of defaults, an optional config
// file, and environment variable overrides, unmarshaled into a typed
// struct with mapstructure tags.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognised MaxQ process option (spec §6).
type Config struct {
	Port      int    `mapstructure:"port"`
	DataDir   string `mapstructure:"data_dir"`
	FlowsRoot string `mapstructure:"flows_root"`

	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Process       ProcessConfig       `mapstructure:"process"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Events        EventsConfig        `mapstructure:"events"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	LogLevel string `mapstructure:"log_level"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type SchedulerConfig struct {
	IntervalMs         int `mapstructure:"interval_ms"`
	BatchSize          int `mapstructure:"batch_size"`
	MaxConcurrentSteps int `mapstructure:"max_concurrent_steps"`
}

type ProcessConfig struct {
	MaxLogCaptureBytes int `mapstructure:"max_log_capture_bytes"`
	AbortGraceMs       int `mapstructure:"abort_grace_ms"`
	PauseGraceMs       int `mapstructure:"pause_grace_ms"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig is optional: when URL is empty, internal/cache runs in
// store-only mode (no read-through cache, no live-log pub/sub).
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig is optional: when URL is empty, internal/events no-ops.
type EventsConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Load loads configuration from environment variables and an optional
// config file, following the teacher's Load() shape.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/maxq")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("port", 5003)
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("flows_root", "./flows")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("scheduler.interval_ms", 200)
	viper.SetDefault("scheduler.batch_size", 10)
	viper.SetDefault("scheduler.max_concurrent_steps", 10)

	viper.SetDefault("process.max_log_capture_bytes", 8192)
	viper.SetDefault("process.abort_grace_ms", 5000)
	viper.SetDefault("process.pause_grace_ms", 5000)

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("events.exchange", "maxq.events")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 50)
	viper.SetDefault("rate_limit.burst", 100)

	viper.SetDefault("observability.otlp_endpoint", "localhost:4317")
}

func bindEnvVars() {
	viper.BindEnv("port", "MAXQ_PORT")
	viper.BindEnv("data_dir", "MAXQ_DATA_DIR")
	viper.BindEnv("flows_root", "MAXQ_FLOWS_ROOT")
	viper.BindEnv("log_level", "MAXQ_LOG_LEVEL")

	viper.BindEnv("scheduler.interval_ms", "MAXQ_SCHEDULER_INTERVAL_MS")
	viper.BindEnv("scheduler.batch_size", "MAXQ_SCHEDULER_BATCH_SIZE")
	viper.BindEnv("scheduler.max_concurrent_steps", "MAXQ_MAX_CONCURRENT_STEPS")

	viper.BindEnv("process.max_log_capture_bytes", "MAXQ_MAX_LOG_CAPTURE")
	viper.BindEnv("process.abort_grace_ms", "MAXQ_ABORT_GRACE_MS")
	viper.BindEnv("process.pause_grace_ms", "MAXQ_PAUSE_GRACE_MS")

	viper.BindEnv("database.url", "MAXQ_DATABASE_URL")
	viper.BindEnv("redis.url", "MAXQ_REDIS_URL")
	viper.BindEnv("events.url", "MAXQ_EVENTS_URL")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Scheduler.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_steps must be greater than 0")
	}
	if cfg.Process.MaxLogCaptureBytes <= 0 {
		return fmt.Errorf("process.max_log_capture_bytes must be greater than 0")
	}
	return nil
}
