package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// LogHook writes every alert transition to the structured logger. It is
// always installed, independent of any external notification channel.
type LogHook struct {
	log zerolog.Logger
}

func NewLogHook(logger zerolog.Logger) *LogHook {
	return &LogHook{log: logger.With().Str("component", "alert_notifier").Logger()}
}

func (h *LogHook) Notify(alert Alert) {
	event := h.log.Info()
	if alert.Status == StatusTriggered {
		event = h.log.Warn()
	}
	event.
		Str("alert_id", alert.ID).
		Str("rule_id", alert.RuleID).
		Str("severity", string(alert.Severity)).
		Str("status", string(alert.Status)).
		Float64("metric_value", alert.MetricValue).
		Msg(alert.Message)
}

// SlackHook posts alert transitions to a Slack incoming webhook, grounded
// on the same attachment/color/emoji shape this codebase already used for
// operational alerting elsewhere.
type SlackHook struct {
	webhookURL string
	username   string
	timeout    time.Duration
}

func NewSlackHook(webhookURL, username string) *SlackHook {
	return &SlackHook{
		webhookURL: webhookURL,
		username:   username,
		timeout:    5 * time.Second,
	}
}

func (h *SlackHook) Notify(alert Alert) {
	if h.webhookURL == "" {
		return
	}

	msg := &slack.WebhookMessage{
		Username: h.username,
		Text:     fmt.Sprintf("%s *%s* alert: %s", h.emoji(alert.Severity), alert.Status, alert.Message),
		Attachments: []slack.Attachment{
			{
				Color: h.color(alert.Severity),
				Fields: []slack.AttachmentField{
					{Title: "rule", Value: alert.RuleName, Short: true},
					{Title: "value", Value: fmt.Sprintf("%.2f", alert.MetricValue), Short: true},
					{Title: "threshold", Value: fmt.Sprintf("%.2f", alert.Threshold), Short: true},
				},
				Ts:     json.Number(fmt.Sprintf("%d", alert.TriggeredAt.Unix())),
				Footer: "inference-monitor",
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	_ = slack.PostWebhookContext(ctx, h.webhookURL, msg)
}

func (h *SlackHook) color(sev Severity) string {
	switch sev {
	case SeverityCritical, SeverityHigh:
		return "danger"
	case SeverityMedium:
		return "warning"
	default:
		return "good"
	}
}

func (h *SlackHook) emoji(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityHigh:
		return ":warning:"
	case SeverityMedium:
		return ":large_orange_diamond:"
	default:
		return ":information_source:"
	}
}
