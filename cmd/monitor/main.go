// Command monitor runs the real-time ML inference monitoring pipeline:
// it consumes telemetry events from a message broker, maintains a
// sliding-window aggregate, persists it, and evaluates alert rules.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/infermon/pipeline/internal/aggregator"
	"github.com/infermon/pipeline/internal/alerting"
	"github.com/infermon/pipeline/internal/broker"
	"github.com/infermon/pipeline/internal/config"
	"github.com/infermon/pipeline/internal/logging"
	"github.com/infermon/pipeline/internal/metrics"
	"github.com/infermon/pipeline/internal/processor"
	"github.com/infermon/pipeline/internal/storage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "pretty"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting inference monitor")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("inference monitor exited with error")
	}
}

// newEventSource builds the broker adapter selected by MON_BROKER_TYPE.
// Both adapters sit behind the same EventSource interface, so the rest of
// the pipeline doesn't care which one feeds it.
func newEventSource(cfg *config.Config, logger zerolog.Logger, registry *metrics.Registry) broker.EventSource {
	if cfg.BrokerType == "kafka" {
		return broker.NewKafkaConsumer(broker.KafkaConfig{
			Brokers:            cfg.KafkaBrokers,
			Topic:              cfg.KafkaTopic,
			ConsumerGroup:      cfg.KafkaConsumerGroup,
			MaxEventsPerSecond: cfg.MaxEventsPerSecond,
		}, logger, registry)
	}
	return broker.NewNATSConsumer(broker.NATSConfig{
		URL:                cfg.NATSURL,
		Subject:            cfg.MetricsSubject,
		StreamName:         cfg.MetricsStream,
		DurableName:        cfg.DurableName,
		PrefetchCount:      cfg.PrefetchCount,
		ReconnectWait:      cfg.ReconnectWait,
		MaxReconnects:      cfg.MaxReconnects,
		MessageTTL:         cfg.MessageTTL,
		MaxQueueLength:     cfg.MaxQueueLength,
		MaxEventsPerSecond: cfg.MaxEventsPerSecond,
	}, logger, registry)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := aggregator.New(aggregator.Config{
		WindowSizeSeconds:    cfg.WindowSizeSeconds,
		SubWindowSeconds:     cfg.SubWindowSeconds,
		MaxLatencySamplesPer: cfg.MaxLatencySamples,
	}, nil)

	registry := metrics.NewRegistry()

	var recordStore storage.RecordStore
	if cfg.DatabaseURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		recordStore = pgStore
	}

	var cache *storage.Cache
	if cfg.RedisURL != "" {
		var err error
		cache, err = storage.NewCache(cfg.RedisURL, cfg.RedisTTLSeconds)
		if err != nil {
			return err
		}
	}

	storeMgr := storage.NewManager(recordStore, cache, storage.Config{
		BatchSize:       cfg.BatchSize,
		BatchTimeout:    time.Duration(cfg.BatchTimeoutSeconds) * time.Second,
		RedisTTLSeconds: cfg.RedisTTLSeconds,
		RetentionDays:   cfg.RetentionDays,
	}, logger, registry)

	alertMgr := alerting.NewManager(alerting.Config{HistoryCap: cfg.AlertHistoryCap}, logger, time.Now().UTC(), registry)
	alertMgr.AddHook(alerting.NewLogHook(logger))
	if cfg.SlackWebhookURL != "" {
		alertMgr.AddHook(alerting.NewSlackHook(cfg.SlackWebhookURL, "inference-monitor"))
	}
	if cfg.AlertsSubject != "" {
		queueHook, err := alerting.NewQueueHook(alerting.QueueHookConfig{
			URL:        cfg.NATSURL,
			StreamName: cfg.AlertsStream,
			Subject:    cfg.AlertsSubject,
			MaxAge:     cfg.AlertsTTL,
			MaxMsgs:    cfg.AlertsMaxQueueLength,
		}, logger)
		if err != nil {
			return err
		}
		defer queueHook.Close()
		alertMgr.AddHook(queueHook)
	}

	source := newEventSource(cfg, logger, registry)

	proc := processor.New(processor.Config{
		StorageInterval:     time.Duration(cfg.StorageIntervalSeconds) * time.Second,
		AlertCheckInterval:  time.Duration(cfg.AlertCheckIntervalSeconds) * time.Second,
		HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
		ShutdownTimeout:     time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
		WindowSizeSeconds:   cfg.WindowSizeSeconds,
	}, source, agg, storeMgr, alertMgr, logger)

	metricsServer := &http.Server{Addr: ":9090", Handler: registry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	if err := proc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return proc.Stop(context.Background())
}
