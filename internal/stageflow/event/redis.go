// Package event holds concrete stageflow.EventSink implementations:
// Postgres- and SQLite-backed persistence, Redis pub/sub fan-out, a
// Neo4j event writer, and a gRPC exporter (SPEC_FULL.md §4.13).
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stageflow/stageflow/internal/stageflow"
	"github.com/stageflow/stageflow/internal/stageflow/stageflowlog"
)

// redisEnvelope is the wire shape published to the channel, grounded in
// internal/clients/redis/sse_bus.go's sse.SSEMessage envelope.
type redisEnvelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// RedisSink publishes every event as a JSON envelope on a single Redis
// channel, adapted from internal/clients/redis/sse_bus.go's Publish.
// TryEmit never blocks the caller on a publish failure — it only logs.
type RedisSink struct {
	log     *stageflowlog.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisSink dials addr, verifies connectivity with Ping, and returns
// a sink publishing to channel.
func NewRedisSink(addr, channel string, log *stageflowlog.Logger) (*RedisSink, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis sink: addr required")
	}
	if channel == "" {
		channel = "stageflow.events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisSink{log: log, rdb: rdb, channel: channel}, nil
}

func (s *RedisSink) Emit(eventType string, data map[string]any) error {
	raw, err := json.Marshal(redisEnvelope{Type: eventType, Data: data, EmittedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.rdb.Publish(context.Background(), s.channel, raw).Err()
}

func (s *RedisSink) TryEmit(eventType string, data map[string]any) {
	if err := s.Emit(eventType, data); err != nil && s.log != nil {
		s.log.Warn("redis event publish failed", "event_type", eventType, "error", err)
	}
}

// Close releases the underlying Redis client.
func (s *RedisSink) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

var _ stageflow.EventSink = (*RedisSink)(nil)
