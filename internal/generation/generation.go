// Package generation defines the closed request/response contract the
// engine uses for text generation, and a provider-router implementation.
package generation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loom/internal/metrics"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"go.uber.org/zap"
)

// ErrNoProvider is reported when no provider router was configured.
var ErrNoProvider = errors.New("no provider router configured")

// Request is a single generation call.
type Request struct {
	Prompt          string        `json:"prompt"`
	TaskType        string        `json:"task_type"`
	Temperature     float64       `json:"temperature"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Tier            provider.Tier `json:"tier"`
}

// Result is the outcome of a generation call. Success is false whenever
// Content must not be used; Error then carries the reason.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Failed builds a failed Result from err.
func Failed(err error) Result {
	return Result{Error: err.Error()}
}

// Generator produces text. Implementations must honor ctx cancellation
// and never panic; failures are reported through Result.
type Generator interface {
	Generate(ctx context.Context, req Request) Result
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, req Request) Result

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, req Request) Result { return f(ctx, req) }

// RouterGenerator sends generation requests through the provider router.
type RouterGenerator struct {
	router  *provider.Router
	timeout time.Duration
	logger  *zap.Logger
}

// NewRouterGenerator creates a Generator backed by router. Each call is
// bounded by timeout in addition to the caller's context.
func NewRouterGenerator(router *provider.Router, timeout time.Duration, logger *zap.Logger) *RouterGenerator {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RouterGenerator{router: router, timeout: timeout, logger: logger}
}

// Generate implements Generator.
func (g *RouterGenerator) Generate(ctx context.Context, req Request) Result {
	if g.router == nil {
		return Failed(ErrNoProvider)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tier := req.Tier
	if tier == "" {
		tier = provider.TierEconomy
	}
	start := time.Now()
	resp, err := g.router.Route(ctx, tier, &provider.ChatRequest{
		Messages:    []provider.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	})
	if err != nil {
		g.logger.Warn("generation failed",
			zap.String("task", req.TaskType),
			zap.String("tier", string(tier)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		metrics.GenerationCalls.WithLabelValues(req.TaskType, "error").Inc()
		return Failed(err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		g.logger.Warn("generation returned empty content",
			zap.String("task", req.TaskType),
			zap.String("model", resp.Model))
		metrics.GenerationCalls.WithLabelValues(req.TaskType, "empty").Inc()
		return Result{Error: "empty content"}
	}
	g.logger.Debug("generation complete",
		zap.String("task", req.TaskType),
		zap.String("tier", string(tier)),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))
	metrics.GenerationCalls.WithLabelValues(req.TaskType, "ok").Inc()
	return Result{Success: true, Content: content}
}
