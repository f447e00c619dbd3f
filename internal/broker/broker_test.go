package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermon/pipeline/internal/events"
)

func validPayload(t *testing.T) []byte {
	t.Helper()
	b, err := events.Encode(events.MetricsEvent{
		EventID:         "evt-1",
		EventType:       events.EventTypeResponse,
		Timestamp:       time.Now().UTC(),
		ServiceName:     "svc",
		Endpoint:        "/predict",
		StatusCode:      200,
		HasResponseTime: true,
		ResponseTimeMs:  42,
	})
	require.NoError(t, err)
	return b
}

func TestHandleDecodedSuccessIncrementsCounters(t *testing.T) {
	c := &counters{}
	decodeErr, handlerErr := handleDecoded(context.Background(), validPayload(t), func(ctx context.Context, e events.MetricsEvent) error {
		return nil
	}, c)

	assert.NoError(t, decodeErr)
	assert.NoError(t, handlerErr)

	stats := c.snapshot(time.Now().UTC())
	assert.Equal(t, uint64(1), stats.TotalConsumed)
	assert.Equal(t, uint64(1), stats.SuccessfulHandled)
	assert.Equal(t, uint64(0), stats.FailedHandled)
	assert.Equal(t, uint64(0), stats.InvalidMessages)
}

func TestHandleDecodedInvalidPayloadNeverReachesHandler(t *testing.T) {
	c := &counters{}
	called := false
	decodeErr, handlerErr := handleDecoded(context.Background(), []byte("not json"), func(ctx context.Context, e events.MetricsEvent) error {
		called = true
		return nil
	}, c)

	assert.Error(t, decodeErr)
	assert.NoError(t, handlerErr)
	assert.False(t, called, "handler must not run for an undecodable payload")

	stats := c.snapshot(time.Now().UTC())
	assert.Equal(t, uint64(1), stats.TotalConsumed)
	assert.Equal(t, uint64(1), stats.InvalidMessages)
	assert.Equal(t, uint64(0), stats.SuccessfulHandled)
}

func TestHandleDecodedHandlerErrorStillCountsAsConsumed(t *testing.T) {
	c := &counters{}
	decodeErr, handlerErr := handleDecoded(context.Background(), validPayload(t), func(ctx context.Context, e events.MetricsEvent) error {
		return errors.New("boom")
	}, c)

	assert.NoError(t, decodeErr)
	assert.Error(t, handlerErr)

	stats := c.snapshot(time.Now().UTC())
	assert.Equal(t, uint64(1), stats.FailedHandled)
	assert.Equal(t, uint64(0), stats.SuccessfulHandled)
}

func TestDispatchLimiterDisabledByDefault(t *testing.T) {
	limiter := newDispatchLimiter(0)
	assert.Nil(t, limiter, "a non-positive rate must disable throttling entirely")
	assert.NoError(t, waitDispatch(context.Background(), limiter))
}

func TestDispatchLimiterThrottles(t *testing.T) {
	limiter := newDispatchLimiter(1000)
	require.NotNil(t, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, waitDispatch(ctx, limiter))

	// At 1 event/s with a burst of 1, the second event has to wait about a
	// second, which a 100ms deadline cannot cover.
	slow := newDispatchLimiter(1)
	require.NotNil(t, slow)
	require.NoError(t, waitDispatch(context.Background(), slow))
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	assert.Error(t, waitDispatch(shortCtx, slow))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "consuming", StateConsuming.String())
	assert.Equal(t, "unknown", State(99).String())
}
