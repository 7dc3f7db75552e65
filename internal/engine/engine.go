// Package engine ties the layer store, allocator, compressor, cache,
// classifier and recorder into the operations the API exposes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/nuka-loom/internal/archive"
	"github.com/nidhogg/nuka-loom/internal/cache"
	"github.com/nidhogg/nuka-loom/internal/classify"
	"github.com/nidhogg/nuka-loom/internal/generation"
	"github.com/nidhogg/nuka-loom/internal/keyed"
	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/metrics"
	"github.com/nidhogg/nuka-loom/internal/perf"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/rank"
	"github.com/nidhogg/nuka-loom/internal/snapshot"
	"github.com/nidhogg/nuka-loom/internal/telemetry"
	"github.com/nidhogg/nuka-loom/internal/tokens"
	"go.uber.org/zap"

	selection "github.com/nidhogg/nuka-loom/internal/context"
)

// ErrSnapshotReadOnly is returned when the snapshot provider cannot save.
var ErrSnapshotReadOnly = errors.New("snapshot provider is read-only")

// DefaultMaxTokens is the budget used when neither the request nor the
// campaign strategy sets one.
const DefaultMaxTokens = 2000

// Config holds engine settings.
type Config struct {
	DefaultMaxTokens  int
	DefaultWeights    rank.Weights
	GenerationTimeout time.Duration
	CacheTTL          time.Duration
	RecorderCapacity  int
}

// Deps are the engine's collaborators. Nil fields get in-memory defaults.
type Deps struct {
	Layers     layer.Store
	Snapshots  snapshot.Provider
	Archive    archive.Archive
	Generator  generation.Generator
	Events     *telemetry.Publisher
	Classifier *classify.Classifier
	Recorder   *perf.Recorder
	Cache      *cache.Cache
}

// Strategy is a campaign's selection defaults. Zero fields fall back to
// the engine configuration.
type Strategy struct {
	Weights   rank.Weights `json:"priority_weights"`
	MaxTokens int          `json:"max_tokens"`
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg        Config
	layers     layer.Store
	snapshots  snapshot.Provider
	archive    archive.Archive
	cache      *cache.Cache
	compressor *selection.Compressor
	classifier *classify.Classifier
	recorder   *perf.Recorder
	events     *telemetry.Publisher
	strategies *keyed.Map[Strategy]
	now        func() time.Time
	logger     *zap.Logger
}

// New creates an Engine.
func New(cfg Config, d Deps, logger *zap.Logger) *Engine {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	if cfg.DefaultWeights.IsZero() {
		cfg.DefaultWeights = rank.DefaultWeights()
	}
	if d.Archive == nil {
		d.Archive = archive.NewMemory()
	}
	if d.Layers == nil {
		pruner := archive.NewPruner(d.Archive, d.Events, logger)
		d.Layers = layer.NewMemoryStore(logger, layer.WithPruneHook(pruner.Hook))
	}
	if d.Snapshots == nil {
		d.Snapshots = snapshot.NewMemoryProvider()
	}
	if d.Classifier == nil {
		d.Classifier = classify.New(logger)
	}
	if d.Recorder == nil {
		d.Recorder = perf.New(cfg.RecorderCapacity, logger)
	}
	if d.Cache == nil {
		d.Cache = cache.New(cfg.CacheTTL, logger)
	}

	gen := perf.Instrument(d.Generator, d.Recorder)
	return &Engine{
		cfg:        cfg,
		layers:     d.Layers,
		snapshots:  d.Snapshots,
		archive:    d.Archive,
		cache:      d.Cache,
		compressor: selection.NewCompressor(gen, d.Classifier, cfg.GenerationTimeout, logger),
		classifier: d.Classifier,
		recorder:   d.Recorder,
		events:     d.Events,
		strategies: keyed.NewMap(func() Strategy { return Strategy{} }),
		now:        time.Now,
		logger:     logger,
	}
}

// SetClock replaces the time source of the engine and its cache.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.cache.SetClock(now)
}

// AddLayer stores a layer for the campaign.
func (e *Engine) AddLayer(ctx context.Context, campaignID string, in layer.Input) layer.Layer {
	l := e.layers.Add(ctx, campaignID, in)
	e.events.Publish(telemetry.Event{
		Type:       telemetry.EventLayerAdded,
		CampaignID: campaignID,
		Fields: map[string]any{
			"layer_id":   l.ID,
			"kind":       string(l.Kind),
			"tokens":     l.TokenEstimate,
			"importance": l.Importance,
		},
	})
	return l
}

// GetContext returns everything stored for the campaign.
func (e *Engine) GetContext(ctx context.Context, campaignID string) layer.Contents {
	return e.layers.Contents(ctx, campaignID)
}

// AddMemory appends a conversation entry to a session.
func (e *Engine) AddMemory(ctx context.Context, campaignID, sessionID string, m layer.MemoryEntry) {
	e.layers.AddMemory(ctx, campaignID, sessionID, m)
}

// SetSummary replaces the campaign summary. TotalTokens is derived from
// the text.
func (e *Engine) SetSummary(ctx context.Context, campaignID string, s layer.Summary) layer.Summary {
	s.TotalTokens = tokens.Estimate(s.Text)
	if s.CompressionLevel == "" {
		s.CompressionLevel = string(selection.LevelNone)
	}
	e.layers.SetSummary(ctx, campaignID, s)
	return s
}

// ClearLayers drops everything stored for the campaign.
func (e *Engine) ClearLayers(ctx context.Context, campaignID string) {
	e.layers.Clear(ctx, campaignID)
}

// PruneLayers runs the compaction check for the campaign.
func (e *Engine) PruneLayers(ctx context.Context, campaignID string) []layer.Layer {
	return e.layers.Prune(ctx, campaignID)
}

// Archived returns layers compaction removed from the campaign.
func (e *Engine) Archived(ctx context.Context, campaignID string, limit int) ([]layer.Layer, error) {
	return e.archive.Recall(ctx, campaignID, limit)
}

// Snapshot reads the campaign's domain snapshot.
func (e *Engine) Snapshot(ctx context.Context, campaignID string) (*snapshot.Snapshot, error) {
	return e.snapshots.Snapshot(ctx, campaignID)
}

// SaveSnapshot replaces the campaign's domain snapshot when the provider
// supports writes.
func (e *Engine) SaveSnapshot(ctx context.Context, campaignID string, s snapshot.Snapshot) error {
	w, ok := e.snapshots.(snapshot.Store)
	if !ok {
		return ErrSnapshotReadOnly
	}
	if err := w.Save(ctx, campaignID, s); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// AdaptStrategy sets the campaign's selection defaults and returns the
// strategy now in effect.
func (e *Engine) AdaptStrategy(campaignID string, s Strategy) Strategy {
	if s.MaxTokens < 0 {
		s.MaxTokens = 0
	}
	e.strategies.Update(campaignID, func(v *Strategy) { *v = s })
	e.events.Publish(telemetry.Event{
		Type:       telemetry.EventStrategy,
		CampaignID: campaignID,
		Fields:     map[string]any{"max_tokens": s.MaxTokens},
	})
	return e.Strategy(campaignID)
}

// Strategy returns the campaign's effective selection defaults.
func (e *Engine) Strategy(campaignID string) Strategy {
	s := Strategy{}
	e.strategies.View(campaignID, func(v *Strategy) { s = *v })
	if s.Weights.IsZero() {
		s.Weights = e.cfg.DefaultWeights
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = e.cfg.DefaultMaxTokens
	}
	return s
}

// resolve fills unset criteria fields from the campaign strategy.
func (e *Engine) resolve(campaignID string, c selection.Criteria) selection.Criteria {
	s := e.Strategy(campaignID)
	if c.Weights.IsZero() {
		c.Weights = s.Weights
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = s.MaxTokens
	}
	c.CharacterIDs = append([]string(nil), c.CharacterIDs...)
	return c
}

// SelectOptimalContext picks, assembles and if needed compresses the
// campaign context for one request. It never fails; every problem
// degrades the result instead.
func (e *Engine) SelectOptimalContext(ctx context.Context, campaignID string, criteria selection.Criteria) selection.Result {
	start := time.Now()
	c := e.resolve(campaignID, criteria)
	key := cache.KeyFor(campaignID, c)

	if res, ok := e.cache.Get(key); ok {
		res.SelectionTimeMs = time.Since(start).Milliseconds()
		e.observe(campaignID, c, res, time.Since(start))
		return res
	}

	story := ""
	snap, err := e.snapshots.Snapshot(ctx, campaignID)
	if err != nil {
		e.logger.Warn("snapshot unavailable, selecting without story context",
			zap.String("campaign", campaignID), zap.Error(err))
	} else {
		story = snap.Format()
	}

	candidates := layer.Candidates(e.layers.Contents(ctx, campaignID), c.SessionID, e.now())
	alloc := selection.Allocate(candidates, c, e.now())
	comp := e.compressor.Compress(ctx, selection.Assemble(story, alloc.Layers()), c.MaxTokens)

	reasoning := alloc.Reasoning(c)
	if comp.Level != selection.LevelNone {
		reasoning += fmt.Sprintf("; %s compression %d→%d tokens", comp.Level, comp.Before, comp.After)
		if comp.Fallback {
			reasoning += " (truncated)"
		}
		metrics.Compressions.WithLabelValues(string(comp.Level)).Inc()
	}

	res := selection.Result{
		SelectedText:   comp.Text,
		Reasoning:      reasoning,
		TokenUsage:     tokens.Estimate(comp.Text),
		SelectedLayers: alloc.SelectedLayers(),
		TierUsed:       alloc.TierUsed,
		Compression:    comp.Level,
		SkippedLayers:  alloc.SkippedIDs(),
	}
	res.EffectivenessScore = Effectiveness(alloc, res, c)
	res.SelectionTimeMs = time.Since(start).Milliseconds()

	e.cache.Set(key, res)
	e.observe(campaignID, c, res, time.Since(start))
	return res
}

func (e *Engine) observe(campaignID string, c selection.Criteria, res selection.Result, elapsed time.Duration) {
	outcome := "miss"
	if res.CacheHit {
		outcome = "hit"
	}
	metrics.SelectionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	metrics.SelectionTokens.Observe(float64(res.TokenUsage))

	e.recorder.RecordEffectiveness(campaignID, perf.Effectiveness{
		At:              e.now(),
		TaskType:        c.TaskType,
		Score:           res.EffectivenessScore,
		SelectionTimeMs: float64(elapsed.Microseconds()) / 1000,
		TokenUsage:      res.TokenUsage,
		MaxTokens:       c.MaxTokens,
		CacheHit:        res.CacheHit,
		Compression:     string(res.Compression),
	})
	e.events.Publish(telemetry.Event{
		Type:       telemetry.EventSelection,
		CampaignID: campaignID,
		Fields: map[string]any{
			"task_type":   c.TaskType,
			"phase":       string(c.StoryPhase),
			"max_tokens":  c.MaxTokens,
			"token_usage": res.TokenUsage,
			"layers":      len(res.SelectedLayers),
			"tier_used":   string(res.TierUsed),
			"compression": string(res.Compression),
			"cache_hit":   res.CacheHit,
			"score":       res.EffectivenessScore,
			"elapsed_ms":  elapsed.Milliseconds(),
		},
	})
}

// Effectiveness scores a selection in [0,1]: 40% required-tier coverage,
// 30% budget utilization and 30% mean normalized relevance, less 0.1 for
// medium and 0.2 for heavy compression.
func Effectiveness(a selection.Allocation, res selection.Result, c selection.Criteria) float64 {
	utilization := 0.0
	if c.MaxTokens > 0 {
		utilization = math.Min(1, float64(res.TokenUsage)/float64(c.MaxTokens))
	}
	relevance := 0.0
	if len(a.Admitted) > 0 {
		var sum float64
		for _, ad := range a.Admitted {
			sum += ad.Score
		}
		relevance = sum / float64(len(a.Admitted)) / rank.MaxScore(c.Weights)
	}

	score := 0.4*a.RequiredCoverage() + 0.3*utilization + 0.3*relevance
	switch res.Compression {
	case selection.LevelMedium:
		score -= 0.1
	case selection.LevelHeavy:
		score -= 0.2
	}
	return math.Max(0, math.Min(1, score))
}

// RecordEffectiveness appends an externally observed outcome, such as
// player feedback, to the campaign's log.
func (e *Engine) RecordEffectiveness(campaignID string, eff perf.Effectiveness) {
	e.recorder.RecordEffectiveness(campaignID, eff)
	e.events.Publish(telemetry.Event{
		Type:       telemetry.EventEffectiveness,
		CampaignID: campaignID,
		Fields:     map[string]any{"score": eff.Score, "feedback": eff.Feedback},
	})
}

// GetEffectivenessAnalytics aggregates the campaign's effectiveness log.
func (e *Engine) GetEffectivenessAnalytics(campaignID string) perf.CampaignStats {
	return e.recorder.EffectivenessAnalytics(campaignID)
}

// SweepExpiredCache removes expired selections.
func (e *Engine) SweepExpiredCache() int {
	n := e.cache.SweepExpired()
	e.events.Publish(telemetry.Event{
		Type:   telemetry.EventCacheSweep,
		Fields: map[string]any{"removed": n},
	})
	return n
}

// GetCacheStats reports cache statistics.
func (e *Engine) GetCacheStats() cache.Stats {
	return e.cache.Stats()
}

// Classify classifies a unit of work.
func (e *Engine) Classify(t classify.Task) classify.Classification {
	return e.classifier.Classify(t)
}

// RecordPerformance appends a generation sample for a compute tier.
func (e *Engine) RecordPerformance(tier provider.Tier, s perf.Sample) {
	e.recorder.RecordPerformance(tier, s)
}

// GetPerformanceAnalytics aggregates every compute tier's log.
func (e *Engine) GetPerformanceAnalytics() map[provider.Tier]perf.TierStats {
	return e.recorder.PerformanceAnalytics()
}
