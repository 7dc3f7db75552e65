// Package telemetry publishes structured engine events. Publishing is
// fire-and-forget: a failing sink is logged and counted, never surfaced.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-loom/internal/metrics"
	"go.uber.org/zap"
)

// Event types.
const (
	EventSelection     = "selection"
	EventLayerAdded    = "layer_added"
	EventCompaction    = "compaction"
	EventCacheSweep    = "cache_sweep"
	EventStrategy      = "strategy_adapted"
	EventEffectiveness = "effectiveness_recorded"
)

// Event is one structured telemetry record.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	CampaignID string         `json:"campaign_id,omitempty"`
	At         time.Time      `json:"at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Emit(ctx context.Context, e Event) error
}

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 2 * time.Second

// Publisher delivers events to a sink in the background.
type Publisher struct {
	sink    Sink
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewPublisher creates a Publisher. A nil sink discards events.
func NewPublisher(sink Sink, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Publisher{sink: sink, timeout: timeout, logger: logger}
}

// Publish stamps e and hands it to the sink without waiting.
func (p *Publisher) Publish(e Event) {
	if p == nil || p.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Warn("telemetry sink panicked", zap.String("sink", p.sink.Name()), zap.Any("panic", r))
				metrics.TelemetryFailures.WithLabelValues(p.sink.Name()).Inc()
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.sink.Emit(ctx, e); err != nil {
			p.logger.Warn("telemetry delivery failed",
				zap.String("sink", p.sink.Name()),
				zap.String("type", e.Type),
				zap.Error(err))
			metrics.TelemetryFailures.WithLabelValues(p.sink.Name()).Inc()
		}
	}()
}

// Wait blocks until every published event has been delivered or dropped.
func (p *Publisher) Wait() {
	if p != nil {
		p.wg.Wait()
	}
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, e Event) error {
	fields := make([]zap.Field, 0, len(e.Fields)+3)
	fields = append(fields,
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.String("campaign", e.CampaignID))
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info("telemetry", fields...)
	return nil
}

// Multi fans an event out to every sink. Every sink is tried; their
// errors are joined.
type Multi []Sink

// Name implements Sink.
func (m Multi) Name() string { return "multi" }

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
			metrics.TelemetryFailures.WithLabelValues(s.Name()).Inc()
		}
	}
	return errors.Join(errs...)
}
