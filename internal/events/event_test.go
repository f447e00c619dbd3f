package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	size := int64(128)
	cases := []MetricsEvent{
		{
			EventID:           "evt-1",
			EventType:         EventTypeResponse,
			Timestamp:         time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
			ServiceName:       "svc-a",
			Endpoint:          "/predict",
			HTTPMethod:        "POST",
			StatusCode:        200,
			ResponseTimeMs:    42.5,
			HasResponseTime:   true,
			RequestSizeBytes:  &size,
			ResponseSizeBytes: &size,
			TraceID:           "trace-1",
		},
		{
			EventID:     "evt-2",
			EventType:   EventTypeError,
			Timestamp:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
			ServiceName: "svc-b",
			Endpoint:    "/health",
			StatusCode:  503,
			ErrorType:   "timeout",
			ErrorMessage: "upstream timed out",
		},
		{
			EventID:     "evt-3",
			EventType:   EventTypeHealth,
			Timestamp:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
			ServiceName: "svc-c",
		},
	}

	for _, e := range cases {
		payload, err := Encode(e)
		require.NoError(t, err)

		decoded, err := Decode(payload)
		require.NoError(t, err)

		assert.Equal(t, e.EventID, decoded.EventID)
		assert.Equal(t, e.EventType, decoded.EventType)
		assert.True(t, e.Timestamp.Equal(decoded.Timestamp))
		assert.Equal(t, e.ServiceName, decoded.ServiceName)
		assert.Equal(t, e.Endpoint, decoded.Endpoint)
		assert.Equal(t, e.StatusCode, decoded.StatusCode)
		assert.Equal(t, e.HasResponseTime, decoded.HasResponseTime)
		if e.HasResponseTime {
			assert.Equal(t, e.ResponseTimeMs, decoded.ResponseTimeMs)
		}
	}
}

func TestIsError(t *testing.T) {
	assert.False(t, MetricsEvent{StatusCode: 200}.IsError())
	assert.False(t, MetricsEvent{StatusCode: 399}.IsError())
	assert.True(t, MetricsEvent{StatusCode: 400}.IsError())
	assert.True(t, MetricsEvent{StatusCode: 503}.IsError())
}

func TestHasValidLatency(t *testing.T) {
	assert.True(t, MetricsEvent{HasResponseTime: true, ResponseTimeMs: 10}.HasValidLatency())
	assert.False(t, MetricsEvent{HasResponseTime: false, ResponseTimeMs: 10}.HasValidLatency())
	assert.False(t, MetricsEvent{HasResponseTime: true, ResponseTimeMs: -1}.HasValidLatency())
}

func TestDecodeRejectsMissingEventID(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"api_response","timestamp":"2026-01-01T00:00:00Z"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsInvalidTimestamp(t *testing.T) {
	_, err := Decode([]byte(`{"event_id":"e1","event_type":"api_response","timestamp":"not-a-time"}`))
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}
