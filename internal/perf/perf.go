// Package perf keeps fixed-capacity rolling logs of generation performance
// per compute tier and of selection effectiveness per campaign.
package perf

import (
	"time"

	"github.com/nidhogg/nuka-loom/internal/keyed"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"go.uber.org/zap"
)

// DefaultCapacity is the number of samples kept per log.
const DefaultCapacity = 100

// trendWindow is the number of samples compared on each side of a trend.
const trendWindow = 10

// Trend summarizes whether latency is moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Sample is one generation call made at a compute tier.
type Sample struct {
	At           time.Time `json:"at"`
	LatencyMs    float64   `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Success      bool      `json:"success"`
	Quality      float64   `json:"quality"`
}

// Effectiveness is the outcome of one selection for a campaign.
type Effectiveness struct {
	At              time.Time `json:"at"`
	TaskType        string    `json:"task_type"`
	Score           float64   `json:"score"`
	SelectionTimeMs float64   `json:"selection_time_ms"`
	TokenUsage      int       `json:"token_usage"`
	MaxTokens       int       `json:"max_tokens"`
	CacheHit        bool      `json:"cache_hit"`
	Compression     string    `json:"compression"`
	Feedback        float64   `json:"feedback,omitempty"` // caller-supplied rating in [0,1]
}

// ring is an append-only log that drops its oldest entry at capacity.
type ring[T any] struct {
	items []T
}

func (r *ring[T]) push(v T, capacity int) {
	r.items = append(r.items, v)
	if over := len(r.items) - capacity; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

// Recorder is safe for concurrent use; each tier and campaign has its own
// lock.
type Recorder struct {
	capacity  int
	tiers     *keyed.Map[ring[Sample]]
	campaigns *keyed.Map[ring[Effectiveness]]
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a recorder. A non-positive capacity uses DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		capacity:  capacity,
		tiers:     keyed.NewMap(func() ring[Sample] { return ring[Sample]{} }),
		campaigns: keyed.NewMap(func() ring[Effectiveness] { return ring[Effectiveness]{} }),
		now:       time.Now,
		logger:    logger,
	}
}

// RecordPerformance appends a sample to the tier's log.
func (r *Recorder) RecordPerformance(tier provider.Tier, s Sample) {
	if s.At.IsZero() {
		s.At = r.now()
	}
	r.tiers.Update(string(tier), func(log *ring[Sample]) {
		log.push(s, r.capacity)
	})
}

// RecordEffectiveness appends an entry to the campaign's log.
func (r *Recorder) RecordEffectiveness(campaignID string, e Effectiveness) {
	if e.At.IsZero() {
		e.At = r.now()
	}
	e.Score = clamp01(e.Score)
	e.Feedback = clamp01(e.Feedback)
	r.campaigns.Update(campaignID, func(log *ring[Effectiveness]) {
		log.push(e, r.capacity)
	})
}

// TierStats aggregates a tier's log.
type TierStats struct {
	Samples         int     `json:"samples"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	AvgInputTokens  float64 `json:"avg_input_tokens"`
	AvgOutputTokens float64 `json:"avg_output_tokens"`
	SuccessRate     float64 `json:"success_rate"`
	AvgQuality      float64 `json:"avg_quality"`
	Trend           Trend   `json:"trend"`
}

// PerformanceAnalytics returns aggregates for every tier with samples.
func (r *Recorder) PerformanceAnalytics() map[provider.Tier]TierStats {
	out := make(map[provider.Tier]TierStats)
	r.tiers.Range(func(key string, log *ring[Sample]) {
		if len(log.items) == 0 {
			return
		}
		var st TierStats
		latencies := make([]float64, len(log.items))
		var ok int
		for i, s := range log.items {
			latencies[i] = s.LatencyMs
			st.AvgInputTokens += float64(s.InputTokens)
			st.AvgOutputTokens += float64(s.OutputTokens)
			st.AvgQuality += s.Quality
			if s.Success {
				ok++
			}
		}
		n := float64(len(log.items))
		st.Samples = len(log.items)
		st.AvgLatencyMs = mean(latencies)
		st.AvgInputTokens /= n
		st.AvgOutputTokens /= n
		st.AvgQuality /= n
		st.SuccessRate = float64(ok) / n
		st.Trend = TrendOf(latencies)
		out[provider.Tier(key)] = st
	})
	return out
}

// CampaignStats aggregates a campaign's effectiveness log.
type CampaignStats struct {
	Selections         int     `json:"selections"`
	AvgScore           float64 `json:"avg_score"`
	AvgSelectionTimeMs float64 `json:"avg_selection_time_ms"`
	AvgTokenUsage      float64 `json:"avg_token_usage"`
	AvgUtilization     float64 `json:"avg_utilization"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	Compressed         int     `json:"compressed"`
	AvgFeedback        float64 `json:"avg_feedback"`
	Rated              int     `json:"rated"`
	Trend              Trend   `json:"trend"`
}

// EffectivenessAnalytics aggregates the campaign's log. An unknown
// campaign yields zero stats with a stable trend.
func (r *Recorder) EffectivenessAnalytics(campaignID string) CampaignStats {
	st := CampaignStats{Trend: TrendStable}
	r.campaigns.View(campaignID, func(log *ring[Effectiveness]) {
		if len(log.items) == 0 {
			return
		}
		latencies := make([]float64, len(log.items))
		var hits int
		for i, e := range log.items {
			latencies[i] = e.SelectionTimeMs
			st.AvgScore += e.Score
			st.AvgTokenUsage += float64(e.TokenUsage)
			if e.MaxTokens > 0 {
				st.AvgUtilization += float64(e.TokenUsage) / float64(e.MaxTokens)
			}
			if e.CacheHit {
				hits++
			}
			if e.Compression != "" && e.Compression != "none" {
				st.Compressed++
			}
			if e.Feedback > 0 {
				st.AvgFeedback += e.Feedback
				st.Rated++
			}
		}
		n := float64(len(log.items))
		st.Selections = len(log.items)
		st.AvgScore /= n
		st.AvgTokenUsage /= n
		st.AvgUtilization /= n
		st.AvgSelectionTimeMs = mean(latencies)
		st.CacheHitRate = float64(hits) / n
		if st.Rated > 0 {
			st.AvgFeedback /= float64(st.Rated)
		}
		st.Trend = TrendOf(latencies)
	})
	return st
}

// TrendOf compares the mean of the latest 10 latencies with the mean of
// the 10 before them. Fewer than 20 values is always stable.
func TrendOf(latencies []float64) Trend {
	n := len(latencies)
	if n < 2*trendWindow {
		return TrendStable
	}
	latest := mean(latencies[n-trendWindow:])
	prior := mean(latencies[n-2*trendWindow : n-trendWindow])
	if prior <= 0 {
		return TrendStable
	}
	switch ratio := latest / prior; {
	case ratio <= 0.9:
		return TrendImproving
	case ratio >= 1.1:
		return TrendDeclining
	}
	return TrendStable
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
