// Package events defines the MetricsEvent wire schema and the in-memory
// representation used by the rest of the pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EventType classifies an incoming telemetry event. Only Response events
// contribute to aggregates.
type EventType string

const (
	EventTypeResponse EventType = "response"
	EventTypeError    EventType = "error"
	EventTypeHealth   EventType = "health"
)

// wireEventType is the on-the-wire representation emitted by instrumented
// model servers, distinct from the in-memory EventType above.
type wireEventType string

const (
	wireAPIResponse   wireEventType = "api_response"
	wireAPIError      wireEventType = "api_error"
	wireAPIRequest    wireEventType = "api_request"
	wireSystemHealth  wireEventType = "system_health"
)

func (w wireEventType) toEventType() EventType {
	switch w {
	case wireAPIResponse:
		return EventTypeResponse
	case wireAPIError:
		return EventTypeError
	case wireSystemHealth:
		return EventTypeHealth
	case wireAPIRequest:
		// A request-started event never completed; it carries no
		// response_time_ms and does not contribute to aggregates.
		return EventTypeError
	default:
		return EventTypeError
	}
}

func (e EventType) toWireType() wireEventType {
	switch e {
	case EventTypeResponse:
		return wireAPIResponse
	case EventTypeHealth:
		return wireSystemHealth
	default:
		return wireAPIError
	}
}

// MetricsEvent is the immutable record produced per observed request.
type MetricsEvent struct {
	EventID         string
	EventType       EventType
	Timestamp       time.Time
	ServiceName     string
	Endpoint        string
	HTTPMethod      string
	StatusCode      int
	ResponseTimeMs  float64
	HasResponseTime bool

	RequestSizeBytes  *int64
	ResponseSizeBytes *int64
	ClientIP          string
	UserAgent         string
	TraceID           string
	ErrorMessage      string
	ErrorType         string
	Metadata          map[string]any
}

// IsError reports whether the event counts as an error for aggregation
// purposes (status_code >= 400).
func (e MetricsEvent) IsError() bool {
	return e.StatusCode >= 400
}

// HasValidLatency reports whether the event's response time should
// contribute to latency statistics: negative and non-finite values are
// ignored for latency math but still count requests.
func (e MetricsEvent) HasValidLatency() bool {
	return e.HasResponseTime && e.ResponseTimeMs >= 0 && !math.IsInf(e.ResponseTimeMs, 0) && !math.IsNaN(e.ResponseTimeMs)
}

// wireEvent mirrors the broker JSON schema exactly, including field names
// that differ from the Go-side MetricsEvent (api_endpoint vs Endpoint).
type wireEvent struct {
	EventID           string            `json:"event_id"`
	EventType         wireEventType     `json:"event_type"`
	Timestamp         string            `json:"timestamp"`
	ServiceName       string            `json:"service_name"`
	APIEndpoint       string            `json:"api_endpoint"`
	HTTPMethod        string            `json:"http_method"`
	StatusCode        int               `json:"status_code"`
	ResponseTimeMs    *float64          `json:"response_time_ms,omitempty"`
	RequestSizeBytes  *int64            `json:"request_size_bytes,omitempty"`
	ResponseSizeBytes *int64            `json:"response_size_bytes,omitempty"`
	ClientIP          string            `json:"client_ip,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	TraceID           string            `json:"trace_id,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	ErrorType         string            `json:"error_type,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// Decode parses a broker message payload into a MetricsEvent. Decode
// failures are the caller's responsibility to count as invalid_messages
// and ack-and-drop.
func Decode(payload []byte) (MetricsEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return MetricsEvent{}, fmt.Errorf("decode metrics event: %w", err)
	}
	if w.EventID == "" {
		return MetricsEvent{}, fmt.Errorf("decode metrics event: missing event_id")
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return MetricsEvent{}, fmt.Errorf("decode metrics event: invalid timestamp %q: %w", w.Timestamp, err)
		}
	}

	e := MetricsEvent{
		EventID:           w.EventID,
		EventType:         w.EventType.toEventType(),
		Timestamp:         ts.UTC(),
		ServiceName:       w.ServiceName,
		Endpoint:          w.APIEndpoint,
		HTTPMethod:        w.HTTPMethod,
		StatusCode:        w.StatusCode,
		RequestSizeBytes:  w.RequestSizeBytes,
		ResponseSizeBytes: w.ResponseSizeBytes,
		ClientIP:          w.ClientIP,
		UserAgent:         w.UserAgent,
		TraceID:           w.TraceID,
		ErrorMessage:      w.ErrorMessage,
		ErrorType:         w.ErrorType,
		Metadata:          w.Metadata,
	}
	if w.ResponseTimeMs != nil {
		e.HasResponseTime = true
		e.ResponseTimeMs = *w.ResponseTimeMs
	}
	return e, nil
}

// Encode serializes a MetricsEvent back to the wire schema. Used by
// round-trip tests and producer-side test fixtures.
func Encode(e MetricsEvent) ([]byte, error) {
	w := wireEvent{
		EventID:           e.EventID,
		EventType:         e.EventType.toWireType(),
		Timestamp:         e.Timestamp.UTC().Format(time.RFC3339Nano),
		ServiceName:       e.ServiceName,
		APIEndpoint:       e.Endpoint,
		HTTPMethod:        e.HTTPMethod,
		StatusCode:        e.StatusCode,
		RequestSizeBytes:  e.RequestSizeBytes,
		ResponseSizeBytes: e.ResponseSizeBytes,
		ClientIP:          e.ClientIP,
		UserAgent:         e.UserAgent,
		TraceID:           e.TraceID,
		ErrorMessage:      e.ErrorMessage,
		ErrorType:         e.ErrorType,
		Metadata:          e.Metadata,
	}
	if e.HasResponseTime {
		w.ResponseTimeMs = &e.ResponseTimeMs
	}
	return json.Marshal(w)
}
