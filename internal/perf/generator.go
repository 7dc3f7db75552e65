package perf

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-loom/internal/generation"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/tokens"
)

// Instrument wraps gen so every call is recorded against its compute tier.
func Instrument(gen generation.Generator, rec *Recorder) generation.Generator {
	if gen == nil || rec == nil {
		return gen
	}
	return &recordingGenerator{next: gen, rec: rec}
}

type recordingGenerator struct {
	next generation.Generator
	rec  *Recorder
}

func (g *recordingGenerator) Generate(ctx context.Context, req generation.Request) generation.Result {
	start := time.Now()
	res := g.next.Generate(ctx, req)
	tier := req.Tier
	if tier == "" {
		tier = provider.TierEconomy
	}
	g.rec.RecordPerformance(tier, Sample{
		At:           start,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
		InputTokens:  tokens.Estimate(req.Prompt),
		OutputTokens: tokens.Estimate(res.Content),
		Success:      res.Success,
	})
	return res
}
