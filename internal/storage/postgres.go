package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS metrics_aggregated (
	id SERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end TIMESTAMPTZ NOT NULL,
	service_name VARCHAR(255),
	endpoint VARCHAR(255),
	metric_type VARCHAR(50) NOT NULL,
	qps DECIMAL(10,2) DEFAULT 0,
	error_rate DECIMAL(5,2) DEFAULT 0,
	avg_response_time DECIMAL(10,2) DEFAULT 0,
	p95_response_time DECIMAL(10,2) DEFAULT 0,
	p99_response_time DECIMAL(10,2) DEFAULT 0,
	total_requests INTEGER DEFAULT 0,
	total_errors INTEGER DEFAULT 0,
	additional_data JSONB,
	created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics_aggregated(timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_service ON metrics_aggregated(service_name);
CREATE INDEX IF NOT EXISTS idx_metrics_endpoint ON metrics_aggregated(endpoint);
CREATE INDEX IF NOT EXISTS idx_metrics_type ON metrics_aggregated(metric_type);
CREATE INDEX IF NOT EXISTS idx_metrics_window_start ON metrics_aggregated(window_start);
`

const insertSQL = `
INSERT INTO metrics_aggregated (
	timestamp, window_start, window_end, service_name, endpoint,
	metric_type, qps, error_rate, avg_response_time,
	p95_response_time, p99_response_time, total_requests,
	total_errors, additional_data
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

// PostgresStore is the time-series backend for aggregated metrics, backed
// by pgx/v5's connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure metrics_aggregated schema: %w", err)
	}
	return nil
}

// InsertBatch writes every record in one round trip using pgx's batch
// pipeline.
func (s *PostgresStore) InsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		additional, err := json.Marshal(r.AdditionalData)
		if err != nil {
			return fmt.Errorf("marshal additional_data: %w", err)
		}
		batch.Queue(insertSQL,
			r.Timestamp, r.WindowStart, r.WindowEnd, r.ServiceName, r.Endpoint,
			string(r.MetricType), r.QPS, r.ErrorRate, r.AvgResponseTime,
			r.P95ResponseTime, r.P99ResponseTime, r.TotalRequests,
			r.TotalErrors, additional,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch insert metrics_aggregated: %w", err)
		}
	}
	return nil
}

// CleanupOldData deletes rows older than retentionDays and returns the
// number of rows removed.
func (s *PostgresStore) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx, "DELETE FROM metrics_aggregated WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
