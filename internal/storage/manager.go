package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infermon/pipeline/internal/aggregator"
	"github.com/infermon/pipeline/internal/metrics"
)

// Config controls batching and retention behavior.
type Config struct {
	BatchSize          int
	BatchTimeout       time.Duration
	RedisTTLSeconds    int
	RetentionDays      int
}

// Stats is the counter set surfaced in health reports.
type Stats struct {
	TotalPostgresWrites int64
	TotalRedisWrites    int64
	BatchWrites         int64
	FailedWrites        int64
	PendingCount        int
	LastWriteTime       time.Time
}

// RecordStore is the persistence backend Manager batches writes into.
// *PostgresStore implements it; tests substitute a fake to exercise
// batching and the drop-on-failure policy without a real database.
type RecordStore interface {
	InsertBatch(ctx context.Context, records []Record) error
	CleanupOldData(ctx context.Context, retentionDays int) (int64, error)
}

// Manager buffers snapshot-derived records and flushes them to Postgres in
// batches, while mirroring every snapshot into Redis immediately.
// A single writer goroutine (the processor's storage tick) is expected
// to call Store.
type Manager struct {
	store   RecordStore
	cache   *Cache
	log     zerolog.Logger
	metrics *metrics.Registry

	batchSize    int
	batchTimeout time.Duration
	retentionDays int

	mu            sync.Mutex
	pending       []Record
	lastBatchTime time.Time

	statsMu sync.RWMutex
	stats   Stats
}

func NewManager(store RecordStore, cache *Cache, cfg Config, logger zerolog.Logger, registry *metrics.Registry) *Manager {
	return &Manager{
		store:         store,
		cache:         cache,
		log:           logger.With().Str("component", "storage_manager").Logger(),
		metrics:       registry,
		batchSize:     cfg.BatchSize,
		batchTimeout:  cfg.BatchTimeout,
		retentionDays: cfg.RetentionDays,
		lastBatchTime: time.Now().UTC(),
	}
}

// UpdateCache mirrors the snapshot into Redis without queueing anything
// for persistence. Cache failures are logged, never fatal: cache errors
// do not block persistence and vice versa.
func (m *Manager) UpdateCache(ctx context.Context, snap aggregator.Snapshot) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Update(ctx, snap); err != nil {
		m.log.Warn().Err(err).Msg("redis cache update failed")
		return
	}
	m.bumpRedisWrites()
}

// Store mirrors the snapshot into Redis, queues its rows for batched
// Postgres persistence, and flushes the batch if size or timeout
// thresholds are met. Failures are logged and counted, never
// retried — the Open Question #3 decision recorded in the design notes.
func (m *Manager) Store(ctx context.Context, snap aggregator.Snapshot, windowSizeSeconds, activeWindows int) {
	m.UpdateCache(ctx, snap)

	records := RecordsFromSnapshot(snap, windowSizeSeconds, activeWindows)

	m.mu.Lock()
	m.pending = append(m.pending, records...)
	shouldFlush := len(m.pending) >= m.batchSize || time.Since(m.lastBatchTime) >= m.batchTimeout
	m.mu.Unlock()

	if shouldFlush {
		m.Flush(ctx)
	}
}

// Flush writes every pending record to Postgres in one batch and clears
// the buffer regardless of outcome — a failed batch is dropped, not
// retried, to bound memory and avoid stalling behind a wedged database.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.lastBatchTime = time.Now().UTC()
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if m.store == nil {
		return
	}

	if err := m.store.InsertBatch(ctx, batch); err != nil {
		m.log.Error().Err(err).Int("batch_size", len(batch)).Msg("batch write failed, dropping records")
		m.statsMu.Lock()
		m.stats.FailedWrites += int64(len(batch))
		m.statsMu.Unlock()
		if m.metrics != nil {
			m.metrics.StorageFailures.Inc()
		}
		return
	}

	m.statsMu.Lock()
	m.stats.TotalPostgresWrites += int64(len(batch))
	m.stats.BatchWrites++
	m.stats.LastWriteTime = time.Now().UTC()
	m.statsMu.Unlock()
	if m.metrics != nil {
		m.metrics.StorageWrites.Add(float64(len(batch)))
	}

	m.log.Info().Int("records", len(batch)).Msg("batch write completed")
}

// ForceFlush is called on shutdown to persist whatever is still buffered.
func (m *Manager) ForceFlush(ctx context.Context) {
	m.Flush(ctx)
}

// CleanupOldData deletes rows past the configured retention window.
func (m *Manager) CleanupOldData(ctx context.Context) (int64, error) {
	if m.store == nil {
		return 0, nil
	}
	return m.store.CleanupOldData(ctx, m.retentionDays)
}

func (m *Manager) Stats() Stats {
	m.statsMu.RLock()
	s := m.stats
	m.statsMu.RUnlock()

	m.mu.Lock()
	s.PendingCount = len(m.pending)
	m.mu.Unlock()
	return s
}

func (m *Manager) bumpRedisWrites() {
	m.statsMu.Lock()
	m.stats.TotalRedisWrites++
	m.statsMu.Unlock()
}

// closer is implemented by RecordStore backends that hold a real
// connection pool.
type closer interface {
	Close()
}

func (m *Manager) Close() {
	if c, ok := m.store.(closer); ok {
		c.Close()
	}
	if m.cache != nil {
		_ = m.cache.Close()
	}
}
