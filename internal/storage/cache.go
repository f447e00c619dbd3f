package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infermon/pipeline/internal/aggregator"
)

// Cache mirrors the "current value" view of a snapshot into Redis so API
// readers never have to touch Postgres for a live dashboard.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(redisURL string, ttlSeconds int) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	return &Cache{client: client, ttl: time.Duration(ttlSeconds) * time.Second}, nil
}

// NewCacheWithClient wires an already-constructed *redis.Client, letting
// tests substitute a miniredis-backed client without parsing a URL.
func NewCacheWithClient(client *redis.Client, ttlSeconds int) *Cache {
	return &Cache{client: client, ttl: time.Duration(ttlSeconds) * time.Second}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

const (
	keyOverall  = "metrics:overall:current"
	keySnapshot = "metrics:snapshot:current"
)

func keyService(service string) string {
	return fmt.Sprintf("metrics:service:%s:current", service)
}

func keyEndpoint(service, endpoint string) string {
	return fmt.Sprintf("metrics:endpoint:%s:%s:current", service, endpoint)
}

// snapshotDoc is the JSON shape stored under metrics:snapshot:current:
// the whole snapshot as one blob.
type snapshotDoc struct {
	WindowStart time.Time                        `json:"window_start"`
	WindowEnd   time.Time                         `json:"window_end"`
	Overall     aggregator.ScopeMetrics           `json:"overall"`
	Services    map[string]aggregator.ScopeMetrics `json:"services"`
	Endpoints   map[string]aggregator.ScopeMetrics `json:"endpoints"`
}

// Update mirrors the given snapshot into Redis using a pipeline, one
// TTL'd key per scope plus the whole snapshot as a single blob.
func (c *Cache) Update(ctx context.Context, snap aggregator.Snapshot) error {
	pipe := c.client.Pipeline()

	overallJSON, err := json.Marshal(snap.Overall)
	if err != nil {
		return fmt.Errorf("marshal overall metrics: %w", err)
	}
	pipe.Set(ctx, keyOverall, overallJSON, c.ttl)

	for service, m := range snap.Services {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal service metrics: %w", err)
		}
		pipe.Set(ctx, keyService(service), data, c.ttl)
	}

	endpointsByKey := make(map[string]aggregator.ScopeMetrics, len(snap.Endpoints))
	for scope, m := range snap.Endpoints {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal endpoint metrics: %w", err)
		}
		pipe.Set(ctx, keyEndpoint(scope.Service, scope.Endpoint), data, c.ttl)
		endpointsByKey[scope.Service+":"+scope.Endpoint] = m
	}

	doc := snapshotDoc{
		WindowStart: snap.WindowStart,
		WindowEnd:   snap.WindowEnd,
		Overall:     snap.Overall,
		Services:    snap.Services,
		Endpoints:   endpointsByKey,
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe.Set(ctx, keySnapshot, docJSON, c.ttl)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("exec redis pipeline: %w", err)
	}
	return nil
}
