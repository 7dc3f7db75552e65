// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Selection metrics
var (
	// SelectionDuration measures selectOptimalContext latency by cache outcome.
	SelectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_selection_duration_seconds",
			Help:    "Context selection latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 20},
		},
		[]string{"cache"},
	)

	// SelectionTokens records the token usage of selection results.
	SelectionTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_selection_tokens",
			Help:    "Tokens used by selected context",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
	)

	// Compressions counts compression passes by level.
	Compressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_compressions_total",
			Help: "Compression passes by level",
		},
		[]string{"level"},
	)

	// LayersPruned counts layers discarded by storage compaction.
	LayersPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_layers_pruned_total",
			Help: "Layers discarded by storage compaction",
		},
	)
)

// Cache metrics
var (
	// CacheRequests counts selection cache lookups by result.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_cache_requests_total",
			Help: "Selection cache lookups",
		},
		[]string{"result"},
	)

	// CacheEntries is the number of entries held after the last sweep or write.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_cache_entries",
			Help: "Selection cache entries",
		},
	)
)

// Generation metrics
var (
	// GenerationCalls counts generation calls by task type and outcome.
	GenerationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_generation_calls_total",
			Help: "Generation calls",
		},
		[]string{"task", "status"},
	)

	// TelemetryFailures counts telemetry events that could not be delivered.
	TelemetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_telemetry_failures_total",
			Help: "Undelivered telemetry events",
		},
		[]string{"sink"},
	)
)
