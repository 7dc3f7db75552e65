package perf

import (
	"context"
	"testing"

	"github.com/nidhogg/nuka-loom/internal/generation"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"go.uber.org/zap"
)

func TestRollingCapacity(t *testing.T) {
	r := New(5, zap.NewNop())
	for i := 1; i <= 8; i++ {
		r.RecordPerformance(provider.TierEconomy, Sample{LatencyMs: float64(i), Success: true})
	}
	st := r.PerformanceAnalytics()[provider.TierEconomy]
	if st.Samples != 5 {
		t.Fatalf("samples = %d, want 5", st.Samples)
	}
	// 4..8 remain
	if st.AvgLatencyMs != 6 {
		t.Errorf("avg latency = %v, want 6", st.AvgLatencyMs)
	}
}

func TestTrend(t *testing.T) {
	series := func(prior, latest float64) []float64 {
		out := make([]float64, 0, 25)
		for i := 0; i < 5; i++ {
			out = append(out, 1000)
		}
		for i := 0; i < 10; i++ {
			out = append(out, prior)
		}
		for i := 0; i < 10; i++ {
			out = append(out, latest)
		}
		return out
	}
	tests := []struct {
		name string
		in   []float64
		want Trend
	}{
		{"too few", []float64{100, 10, 10}, TrendStable},
		{"ten percent faster", series(100, 90), TrendImproving},
		{"slightly faster", series(100, 95), TrendStable},
		{"ten percent slower", series(100, 110), TrendDeclining},
		{"flat", series(100, 100), TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrendOf(tt.in); got != tt.want {
				t.Errorf("TrendOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPerformanceAggregates(t *testing.T) {
	r := New(0, zap.NewNop())
	r.RecordPerformance(provider.TierPremium, Sample{LatencyMs: 100, InputTokens: 10, OutputTokens: 4, Success: true, Quality: 0.8})
	r.RecordPerformance(provider.TierPremium, Sample{LatencyMs: 300, InputTokens: 30, OutputTokens: 6, Success: false, Quality: 0.4})

	all := r.PerformanceAnalytics()
	if len(all) != 1 {
		t.Fatalf("tiers = %d", len(all))
	}
	st := all[provider.TierPremium]
	if st.AvgLatencyMs != 200 || st.AvgInputTokens != 20 || st.AvgOutputTokens != 5 {
		t.Errorf("averages = %+v", st)
	}
	if st.SuccessRate != 0.5 {
		t.Errorf("success rate = %v", st.SuccessRate)
	}
	if st.Trend != TrendStable {
		t.Errorf("trend = %s", st.Trend)
	}
}

func TestEffectivenessAnalytics(t *testing.T) {
	r := New(0, zap.NewNop())
	if st := r.EffectivenessAnalytics("none"); st.Selections != 0 || st.Trend != TrendStable {
		t.Errorf("unknown campaign = %+v", st)
	}

	r.RecordEffectiveness("c1", Effectiveness{Score: 0.5, TokenUsage: 50, MaxTokens: 100, SelectionTimeMs: 4, Compression: "none"})
	r.RecordEffectiveness("c1", Effectiveness{Score: 1.5, TokenUsage: 100, MaxTokens: 100, SelectionTimeMs: 2, CacheHit: true, Compression: "medium", Feedback: 0.9})

	st := r.EffectivenessAnalytics("c1")
	if st.Selections != 2 {
		t.Fatalf("selections = %d", st.Selections)
	}
	if st.AvgScore != 0.75 {
		t.Errorf("avg score = %v (scores must clamp to 1)", st.AvgScore)
	}
	if st.AvgUtilization != 0.75 || st.CacheHitRate != 0.5 || st.Compressed != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.Rated != 1 || st.AvgFeedback != 0.9 {
		t.Errorf("feedback = %v over %d", st.AvgFeedback, st.Rated)
	}
	if other := r.EffectivenessAnalytics("c2"); other.Selections != 0 {
		t.Error("campaign logs must be independent")
	}
}

func TestInstrumentRecordsTier(t *testing.T) {
	r := New(0, zap.NewNop())
	gen := Instrument(generation.Func(func(context.Context, generation.Request) generation.Result {
		return generation.Result{Success: true, Content: "abcdefgh"}
	}), r)

	gen.Generate(context.Background(), generation.Request{Prompt: "abcd", Tier: provider.TierStandard})
	gen.Generate(context.Background(), generation.Request{Prompt: "abcd"})

	stats := r.PerformanceAnalytics()
	std, ok := stats[provider.TierStandard]
	if !ok || std.Samples != 1 || std.AvgInputTokens != 1 || std.AvgOutputTokens != 2 || std.SuccessRate != 1 {
		t.Errorf("standard tier stats = %+v", std)
	}
	if stats[provider.TierEconomy].Samples != 1 {
		t.Error("untiered call should count against economy")
	}
}
