package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "loom:events"

// streamMaxLen caps the stream; trimming is approximate.
const streamMaxLen = 10000

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisSink connects to redisURL.
func NewRedisSink(redisURL, stream string, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSinkWithClient(rdb, stream, logger), nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(rdb *redis.Client, stream string, logger *zap.Logger) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{rdb: rdb, stream: stream, logger: logger}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     e.Type,
			"campaign": e.CampaignID,
			"data":     string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.stream, err)
	}

	s.logger.Debug("published event",
		zap.String("stream", s.stream),
		zap.String("type", e.Type))
	return nil
}

// Read returns up to count events from the start of the stream.
func (s *RedisSink) Read(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.stream, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping malformed event", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
