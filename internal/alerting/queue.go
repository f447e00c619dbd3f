package alerting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// alertDoc is the JSON shape published to the alerts queue. Field names
// stay snake_case so downstream consumers in any language can read them
// without mapping.
type alertDoc struct {
	AlertID        string  `json:"alert_id"`
	RuleID         string  `json:"rule_id"`
	RuleName       string  `json:"rule_name"`
	Severity       string  `json:"severity"`
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	MetricValue    float64 `json:"metric_value"`
	Threshold      float64 `json:"threshold"`
	ServiceName    string  `json:"service_name,omitempty"`
	Endpoint       string  `json:"endpoint,omitempty"`
	TriggeredAt    string  `json:"triggered_at"`
	AcknowledgedAt string  `json:"acknowledged_at,omitempty"`
	ResolvedAt     string  `json:"resolved_at,omitempty"`
}

// QueueHookConfig declares the alerts queue the way the metrics queue is
// declared: durable, capped by age and length so a slow (or absent)
// downstream consumer never grows the stream without bound.
type QueueHookConfig struct {
	URL        string
	StreamName string
	Subject    string
	MaxAge     time.Duration
	MaxMsgs    int64
}

// QueueHook publishes every alert transition onto a durable broker queue,
// the outbound half of the broker contract. It holds its own connection so
// publishing never contends with the consumer's subscription.
type QueueHook struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	log     zerolog.Logger
}

func NewQueueHook(cfg QueueHookConfig, logger zerolog.Logger) (*QueueHook, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("inference-monitor-alerts"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats for alert publishing: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.Subject},
		MaxAge:   cfg.MaxAge,
		MaxMsgs:  cfg.MaxMsgs,
		Storage:  nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("ensure alerts stream %s: %w", cfg.StreamName, err)
	}

	return &QueueHook{
		conn:    conn,
		js:      js,
		subject: cfg.Subject,
		log:     logger.With().Str("component", "alert_queue").Logger(),
	}, nil
}

func (h *QueueHook) Notify(alert Alert) {
	doc := alertDoc{
		AlertID:     alert.ID,
		RuleID:      alert.RuleID,
		RuleName:    alert.RuleName,
		Severity:    string(alert.Severity),
		Status:      string(alert.Status),
		Message:     alert.Message,
		MetricValue: alert.MetricValue,
		Threshold:   alert.Threshold,
		ServiceName: alert.ServiceName,
		Endpoint:    alert.Endpoint,
		TriggeredAt: alert.TriggeredAt.UTC().Format(time.RFC3339Nano),
	}
	if !alert.AcknowledgedAt.IsZero() {
		doc.AcknowledgedAt = alert.AcknowledgedAt.UTC().Format(time.RFC3339Nano)
	}
	if !alert.ResolvedAt.IsZero() {
		doc.ResolvedAt = alert.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		h.log.Error().Err(err).Str("alert_id", alert.ID).Msg("marshal alert failed")
		return
	}
	if _, err := h.js.Publish(h.subject, payload); err != nil {
		h.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("publish alert failed")
	}
}

func (h *QueueHook) Close() {
	h.conn.Close()
}
