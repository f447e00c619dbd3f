package alerting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/infermon/pipeline/internal/aggregator"
	"github.com/infermon/pipeline/internal/metrics"
)

// Hook is a notification sink invoked on every trigger and resolve
// transition (Acknowledge does not notify hooks). Manager runs each hook
// call in its own goroutine, so a slow hook does not block evaluation.
type Hook interface {
	Notify(alert Alert)
}

// Config controls bounded history retention.
type Config struct {
	HistoryCap int
}

// Manager evaluates rules against snapshots and owns the alert
// lifecycle. A single mutex guards both the active-alert map and the
// rule set since rule checks read the whole set on every tick.
type Manager struct {
	mu      sync.Mutex
	rules   map[string]Rule
	active  map[string]Alert
	history []Alert

	// badRules remembers which rule IDs have already been reported as
	// misconfigured so each one is logged once, then skipped.
	badRules map[string]bool

	historyCap int
	hooks      []Hook
	log        zerolog.Logger
	metrics    *metrics.Registry

	checksPerformed   int64
	alertsTriggered   int64
	alertsResolved    int64
	lastCheckTime     time.Time
}

func NewManager(cfg Config, logger zerolog.Logger, now time.Time, registry *metrics.Registry) *Manager {
	cap := cfg.HistoryCap
	if cap <= 0 {
		cap = 1000
	}
	m := &Manager{
		rules:      make(map[string]Rule),
		active:     make(map[string]Alert),
		badRules:   make(map[string]bool),
		historyCap: cap,
		log:        logger.With().Str("component", "alert_manager").Logger(),
		metrics:    registry,
	}
	for _, r := range DefaultRules(now) {
		m.rules[r.ID] = r
	}
	return m
}

func (m *Manager) AddHook(h Hook) {
	m.hooks = append(m.hooks, h)
}

func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
}

func (m *Manager) RemoveRule(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[ruleID]; !ok {
		return false
	}
	delete(m.rules, ruleID)
	return true
}

// Check evaluates every enabled rule against the snapshot's overall,
// per-service, and per-endpoint metrics:
//
//  1. for each rule, find the matching scope(s) per its service/endpoint
//  2. read the rule's metric field from that scope
//  3. evaluate the operator against the threshold
//  4. if met and no active alert exists for this identity, trigger one
//  5. if not met and an active alert exists for this identity, resolve it
//  6. notify hooks on every transition
func (m *Manager) Check(snap aggregator.Snapshot, now time.Time) {
	m.mu.Lock()
	rules := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.checksPerformed++
	m.lastCheckTime = now
	m.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if !m.ruleWellFormed(rule) {
			continue
		}

		// An unscoped rule applies to overall metrics only.
		if rule.ServiceName == "" && rule.Endpoint == "" {
			m.evaluateRule(rule, snap.Overall, "", "", now)
			continue
		}

		if rule.ServiceName != "" && rule.Endpoint == "" {
			if sm, ok := snap.Services[rule.ServiceName]; ok {
				m.evaluateRule(rule, sm, rule.ServiceName, "", now)
			}
			continue
		}

		for scope, em := range snap.Endpoints {
			if rule.ServiceName != "" && rule.ServiceName != scope.Service {
				continue
			}
			if rule.Endpoint != "" && rule.Endpoint != scope.Endpoint {
				continue
			}
			m.evaluateRule(rule, em, scope.Service, scope.Endpoint, now)
		}
	}
}

// ruleWellFormed rejects rules with an unknown metric or operator,
// logging each offending rule once and skipping it on every later check.
func (m *Manager) ruleWellFormed(rule Rule) bool {
	if rule.Metric.known() && rule.Operator.known() {
		return true
	}
	m.mu.Lock()
	seen := m.badRules[rule.ID]
	m.badRules[rule.ID] = true
	m.mu.Unlock()
	if !seen {
		m.log.Error().
			Str("rule_id", rule.ID).
			Str("metric", string(rule.Metric)).
			Str("operator", string(rule.Operator)).
			Msg("skipping misconfigured alert rule")
	}
	return false
}

func metricValue(m aggregator.ScopeMetrics, field MetricField) float64 {
	switch field {
	case MetricQPS:
		return m.QPS
	case MetricErrorRate:
		return m.ErrorRate
	case MetricAvgResponseTime:
		return m.AvgResponseTime
	case MetricP95ResponseTime:
		return m.P95ResponseTime
	case MetricP99ResponseTime:
		return m.P99ResponseTime
	default:
		return 0
	}
}

func (m *Manager) evaluateRule(rule Rule, scope aggregator.ScopeMetrics, service, endpoint string, now time.Time) {
	value := metricValue(scope, rule.Metric)
	conditionMet := rule.Operator.evaluate(value, rule.Threshold)
	id := identity(rule.ID, service, endpoint)

	m.mu.Lock()
	_, isActive := m.active[id]
	m.mu.Unlock()

	if conditionMet {
		if isActive {
			return
		}
		alert := Alert{
			ID:          uuid.NewString(),
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Severity:    rule.Severity,
			Status:      StatusTriggered,
			Message:     message(rule, value, service, endpoint),
			MetricValue: value,
			Threshold:   rule.Threshold,
			ServiceName: service,
			Endpoint:    endpoint,
			TriggeredAt: now,
		}
		m.trigger(id, alert)
		return
	}

	if isActive {
		m.resolve(id, now)
	}
}

func (m *Manager) trigger(id string, alert Alert) {
	m.mu.Lock()
	m.active[id] = alert
	m.history = append(m.history, alert)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
	m.alertsTriggered++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsTriggered.Inc()
		m.metrics.ActiveAlerts.Inc()
	}

	m.log.Warn().Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).Msg(alert.Message)
	m.notify(alert)
}

func (m *Manager) resolve(id string, now time.Time) {
	m.mu.Lock()
	alert, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	alert.Status = StatusResolved
	alert.ResolvedAt = now
	delete(m.active, id)
	m.alertsResolved++
	// Update the same alert's history entry in place, mirroring the
	// trigger/resolve pair sharing one record rather than appending a
	// second "resolved" row.
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == alert.ID {
			m.history[i] = alert
			break
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsResolved.Inc()
		m.metrics.ActiveAlerts.Dec()
	}

	m.log.Info().Str("alert_id", alert.ID).Str("rule_id", alert.RuleID).Msg("alert resolved: " + alert.Message)
	m.notify(alert)
}

// Acknowledge marks the active alert with the given alert ID as
// acknowledged without resolving it. It stays in
// the active map and still auto-resolves when its condition clears.
func (m *Manager) Acknowledge(alertID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, alert := range m.active {
		if alert.ID != alertID {
			continue
		}
		alert.Status = StatusAcknowledged
		alert.AcknowledgedAt = now
		m.active[key] = alert
		for i := len(m.history) - 1; i >= 0; i-- {
			if m.history[i].ID == alertID {
				m.history[i] = alert
				break
			}
		}
		return true
	}
	return false
}

func (m *Manager) notify(alert Alert) {
	for _, h := range m.hooks {
		go h.Notify(alert)
	}
}

// ActiveAlerts returns a snapshot of every currently active alert.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	return out
}

// History returns up to `limit` most-recent alerts, newest first.
func (m *Manager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.history[n-1-i]
	}
	return out
}

// Stats is the counter set surfaced in health reports.
type Stats struct {
	ChecksPerformed  int64
	AlertsTriggered  int64
	AlertsResolved   int64
	ActiveCount      int
	HistorySize      int
	LastCheckTime    time.Time
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ChecksPerformed: m.checksPerformed,
		AlertsTriggered: m.alertsTriggered,
		AlertsResolved:  m.alertsResolved,
		ActiveCount:     len(m.active),
		HistorySize:     len(m.history),
		LastCheckTime:   m.lastCheckTime,
	}
}
