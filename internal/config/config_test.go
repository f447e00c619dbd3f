package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		BrokerType:                "nats",
		KafkaBrokers:              []string{"localhost:9092"},
		WindowSizeSeconds:         60,
		SubWindowSeconds:          5,
		BatchSize:                 100,
		BatchTimeoutSeconds:       5,
		StorageIntervalSeconds:    5,
		AlertCheckIntervalSeconds: 10,
		PrefetchCount:             1000,
		AlertHistoryCap:           1000,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsUnknownBrokerType(t *testing.T) {
	cfg := validConfig()
	cfg.BrokerType = "rabbitmq"
	assert.Error(t, cfg.Validate())
}

func TestValidateKafkaRequiresBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.BrokerType = "kafka"
	require.NoError(t, cfg.Validate())

	cfg.KafkaBrokers = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsIndivisibleSubWindow(t *testing.T) {
	cfg := validConfig()
	cfg.SubWindowSeconds = 7
	assert.Error(t, cfg.Validate())
}

func TestNumSubWindows(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 12, cfg.NumSubWindows())
}
