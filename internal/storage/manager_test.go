package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermon/pipeline/internal/aggregator"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]Record
	failNext bool
}

func (f *fakeStore) InsertBatch(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("insert failed")
	}
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeStore) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	return 0, nil
}

func testSnapshot() aggregator.Snapshot {
	return aggregator.Snapshot{
		Overall:   aggregator.ScopeMetrics{QPS: 1, TotalRequests: 1},
		Services:  map[string]aggregator.ScopeMetrics{},
		Endpoints: map[aggregator.EndpointScope]aggregator.ScopeMetrics{},
	}
}

func TestStoreFlushesOnBatchSize(t *testing.T) {
	fs := &fakeStore{}
	mgr := NewManager(fs, nil, Config{BatchSize: 3, BatchTimeout: time.Hour}, zerolog.Nop(), nil)

	ctx := context.Background()
	mgr.Store(ctx, testSnapshot(), 60, 1)
	mgr.Store(ctx, testSnapshot(), 60, 1)
	assert.Equal(t, 0, len(fs.batches))

	mgr.Store(ctx, testSnapshot(), 60, 1)
	require.Len(t, fs.batches, 1)
	assert.Equal(t, 3, len(fs.batches[0]))
}

func TestStoreFlushesOnTimeout(t *testing.T) {
	fs := &fakeStore{}
	mgr := NewManager(fs, nil, Config{BatchSize: 1000, BatchTimeout: 10 * time.Millisecond}, zerolog.Nop(), nil)

	ctx := context.Background()
	mgr.Store(ctx, testSnapshot(), 60, 1)
	time.Sleep(20 * time.Millisecond)
	mgr.Store(ctx, testSnapshot(), 60, 1)

	require.Len(t, fs.batches, 1)
}

func TestFailedBatchIsDroppedNotRetried(t *testing.T) {
	fs := &fakeStore{failNext: true}
	mgr := NewManager(fs, nil, Config{BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop(), nil)

	ctx := context.Background()
	mgr.Store(ctx, testSnapshot(), 60, 1)

	stats := mgr.Stats()
	assert.Equal(t, int64(1), stats.FailedWrites)
	assert.Equal(t, 0, stats.PendingCount, "failed batch must not remain queued for retry")
	assert.Empty(t, fs.batches)
}

func TestForceFlushWritesPendingRecords(t *testing.T) {
	fs := &fakeStore{}
	mgr := NewManager(fs, nil, Config{BatchSize: 1000, BatchTimeout: time.Hour}, zerolog.Nop(), nil)

	ctx := context.Background()
	mgr.Store(ctx, testSnapshot(), 60, 1)
	assert.Empty(t, fs.batches)

	mgr.ForceFlush(ctx)
	require.Len(t, fs.batches, 1)
}
