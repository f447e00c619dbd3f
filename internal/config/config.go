// Package config loads runtime configuration for the monitoring pipeline
// from environment variables, with an optional .env file for local
// development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration for the metrics pipeline.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Broker (event consumer). BrokerType selects which adapter feeds the
	// pipeline: "nats" (default) or "kafka".
	BrokerType      string        `env:"MON_BROKER_TYPE" envDefault:"nats"`
	NATSURL         string        `env:"MON_NATS_URL" envDefault:"nats://localhost:4222"`
	MetricsSubject  string        `env:"MON_METRICS_SUBJECT" envDefault:"telemetry.metrics"`
	MetricsStream   string        `env:"MON_METRICS_STREAM" envDefault:"TELEMETRY"`
	DurableName     string        `env:"MON_CONSUMER_DURABLE" envDefault:"metrics-aggregator"`
	PrefetchCount   int           `env:"MON_PREFETCH_COUNT" envDefault:"1000"`
	MessageTTL      time.Duration `env:"MON_MESSAGE_TTL" envDefault:"24h"`
	MaxQueueLength  int64         `env:"MON_MAX_QUEUE_LENGTH" envDefault:"100000"`
	ReconnectWait   time.Duration `env:"MON_RECONNECT_WAIT" envDefault:"2s"`
	MaxReconnects   int           `env:"MON_MAX_RECONNECTS" envDefault:"-1"`
	MaxEventsPerSecond float64    `env:"MON_MAX_EVENTS_PER_SECOND" envDefault:"0"` // 0 = unthrottled

	// Kafka (only read when MON_BROKER_TYPE=kafka)
	KafkaBrokers       []string `env:"MON_KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaTopic         string   `env:"MON_KAFKA_TOPIC" envDefault:"telemetry.metrics"`
	KafkaConsumerGroup string   `env:"MON_KAFKA_CONSUMER_GROUP" envDefault:"metrics-aggregator"`

	// Sliding-window aggregator
	WindowSizeSeconds    int `env:"MON_WINDOW_SECONDS" envDefault:"60"`
	SubWindowSeconds     int `env:"MON_SUB_WINDOW_SECONDS" envDefault:"5"`
	MaxLatencySamples    int `env:"MON_MAX_LATENCY_SAMPLES" envDefault:"0"` // 0 = unbounded

	// Storage manager
	DatabaseURL          string        `env:"MON_DATABASE_URL" envDefault:"postgres://localhost:5432/inference_monitor"`
	RedisURL             string        `env:"MON_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	BatchSize            int           `env:"MON_BATCH_SIZE" envDefault:"100"`
	BatchTimeoutSeconds  int           `env:"MON_BATCH_TIMEOUT_SECONDS" envDefault:"5"`
	RedisTTLSeconds      int           `env:"MON_REDIS_TTL_SECONDS" envDefault:"300"`
	RetentionDays        int           `env:"MON_RETENTION_DAYS" envDefault:"30"`

	// Processor schedules
	StorageIntervalSeconds     int `env:"MON_STORAGE_INTERVAL_SECONDS" envDefault:"5"`
	AlertCheckIntervalSeconds  int `env:"MON_ALERT_CHECK_INTERVAL_SECONDS" envDefault:"10"`
	HealthCheckIntervalSeconds int `env:"MON_HEALTH_CHECK_INTERVAL_SECONDS" envDefault:"30"`
	ShutdownTimeoutSeconds     int `env:"MON_SHUTDOWN_TIMEOUT_SECONDS" envDefault:"15"`

	// Alerting
	AlertHistoryCap      int           `env:"MON_ALERT_HISTORY_CAP" envDefault:"1000"`
	SlackWebhookURL      string        `env:"MON_SLACK_WEBHOOK_URL" envDefault:""`
	AlertsSubject        string        `env:"MON_ALERTS_SUBJECT" envDefault:""` // empty disables queue publishing
	AlertsStream         string        `env:"MON_ALERTS_STREAM" envDefault:"TELEMETRY_ALERTS"`
	AlertsTTL            time.Duration `env:"MON_ALERTS_TTL" envDefault:"168h"`
	AlertsMaxQueueLength int64         `env:"MON_ALERTS_MAX_QUEUE_LENGTH" envDefault:"10000"`

	// Logging
	LogLevel  string `env:"MON_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MON_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"MON_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (optional) and environment
// variables, then validates it. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.BrokerType != "nats" && c.BrokerType != "kafka" {
		return fmt.Errorf("MON_BROKER_TYPE must be one of: nats, kafka (got: %s)", c.BrokerType)
	}
	if c.BrokerType == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("MON_KAFKA_BROKERS must not be empty when MON_BROKER_TYPE=kafka")
	}
	if c.WindowSizeSeconds <= 0 {
		return fmt.Errorf("MON_WINDOW_SECONDS must be > 0, got %d", c.WindowSizeSeconds)
	}
	if c.SubWindowSeconds <= 0 {
		return fmt.Errorf("MON_SUB_WINDOW_SECONDS must be > 0, got %d", c.SubWindowSeconds)
	}
	if c.WindowSizeSeconds%c.SubWindowSeconds != 0 {
		return fmt.Errorf("MON_SUB_WINDOW_SECONDS (%d) must evenly divide MON_WINDOW_SECONDS (%d)",
			c.SubWindowSeconds, c.WindowSizeSeconds)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("MON_BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.BatchTimeoutSeconds <= 0 {
		return fmt.Errorf("MON_BATCH_TIMEOUT_SECONDS must be > 0, got %d", c.BatchTimeoutSeconds)
	}
	if c.StorageIntervalSeconds <= 0 {
		return fmt.Errorf("MON_STORAGE_INTERVAL_SECONDS must be > 0, got %d", c.StorageIntervalSeconds)
	}
	if c.AlertCheckIntervalSeconds <= 0 {
		return fmt.Errorf("MON_ALERT_CHECK_INTERVAL_SECONDS must be > 0, got %d", c.AlertCheckIntervalSeconds)
	}
	if c.PrefetchCount <= 0 {
		return fmt.Errorf("MON_PREFETCH_COUNT must be > 0, got %d", c.PrefetchCount)
	}
	if c.AlertHistoryCap <= 0 {
		return fmt.Errorf("MON_ALERT_HISTORY_CAP must be > 0, got %d", c.AlertHistoryCap)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("MON_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("MON_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// NumSubWindows returns N = window_size / sub_window_size, the maximum
// number of live buckets the aggregator retains.
func (c *Config) NumSubWindows() int {
	return c.WindowSizeSeconds / c.SubWindowSeconds
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("broker_type", c.BrokerType).
		Str("nats_url", c.NATSURL).
		Str("metrics_subject", c.MetricsSubject).
		Int("window_seconds", c.WindowSizeSeconds).
		Int("sub_window_seconds", c.SubWindowSeconds).
		Int("batch_size", c.BatchSize).
		Int("batch_timeout_seconds", c.BatchTimeoutSeconds).
		Int("redis_ttl_seconds", c.RedisTTLSeconds).
		Int("storage_interval_seconds", c.StorageIntervalSeconds).
		Int("alert_check_interval_seconds", c.AlertCheckIntervalSeconds).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
