// Package classify maps a unit of work to a complexity profile and the
// compute tier a generation call for it should use.
package classify

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/tokens"
	"go.uber.org/zap"
)

// Complexity is the coarse difficulty of a task.
type Complexity string

const (
	UltraSimple Complexity = "ultra-simple"
	Simple      Complexity = "simple"
	Moderate    Complexity = "moderate"
	Complex     Complexity = "complex"
)

// Valid reports whether c is one of the four known levels.
func (c Complexity) Valid() bool {
	switch c {
	case UltraSimple, Simple, Moderate, Complex:
		return true
	}
	return false
}

// Dependency describes how much surrounding context a task leans on.
type Dependency string

const (
	DependencyLow    Dependency = "low"
	DependencyMedium Dependency = "medium"
	DependencyHigh   Dependency = "high"
)

// Profile is the classifier's view of a task.
type Profile struct {
	Tier               Complexity `json:"tier"`
	EstimatedTokens    int        `json:"estimated_tokens"`
	RequiresCreativity bool       `json:"requires_creativity"`
	ContextDependency  Dependency `json:"context_dependency"`
	ReasoningRequired  bool       `json:"reasoning_required"`
	Confidence         float64    `json:"confidence"`
}

// Task is a unit of work submitted for classification.
type Task struct {
	Type     string     `json:"type"`
	Prompt   string     `json:"prompt"`
	Context  string     `json:"context,omitempty"`
	Override Complexity `json:"override,omitempty"`
}

// Source records which path produced a classification.
type Source string

const (
	SourceOverride  Source = "override"
	SourceRule      Source = "rule"
	SourceHeuristic Source = "heuristic"
	SourceFallback  Source = "fallback"
)

// Classification pairs a profile with the compute tier it maps to.
type Classification struct {
	Profile     Profile       `json:"profile"`
	ComputeTier provider.Tier `json:"compute_tier"`
	Source      Source        `json:"source"`
}

// Classifier classifies tasks. It is safe for concurrent use; the rule
// table is fixed at construction.
type Classifier struct {
	rules   map[string]Profile
	analyze func(Task) Profile
	logger  *zap.Logger
}

// New creates a classifier with the built-in rule table.
func New(logger *zap.Logger) *Classifier {
	rules := make(map[string]Profile, len(builtinRules))
	for k, v := range builtinRules {
		rules[k] = v
	}
	return &Classifier{rules: rules, analyze: analyze, logger: logger}
}

// Classify never fails. Any internal panic yields the cheapest tier with
// confidence 0.5.
func (c *Classifier) Classify(task Task) (out Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("classification failed, using cheapest tier",
				zap.String("type", task.Type),
				zap.String("panic", fmt.Sprint(r)))
			out = fallbackClassification()
		}
	}()

	if task.Override != "" {
		if task.Override.Valid() {
			p := c.analyze(task)
			p.Tier = task.Override
			p.Confidence = 1.0
			return Classification{Profile: p, ComputeTier: ComputeTierFor(p), Source: SourceOverride}
		}
		c.logger.Warn("ignoring unknown complexity override",
			zap.String("type", task.Type),
			zap.String("override", string(task.Override)))
	}

	if p, ok := c.rules[task.Type]; ok {
		return Classification{Profile: p, ComputeTier: ComputeTierFor(p), Source: SourceRule}
	}

	p := c.analyze(task)
	return Classification{Profile: p, ComputeTier: ComputeTierFor(p), Source: SourceHeuristic}
}

// Known reports whether taskType has a precomputed profile.
func (c *Classifier) Known(taskType string) bool {
	_, ok := c.rules[taskType]
	return ok
}

func fallbackClassification() Classification {
	return Classification{
		Profile: Profile{
			Tier:              UltraSimple,
			ContextDependency: DependencyLow,
			Confidence:        0.5,
		},
		ComputeTier: provider.TierEconomy,
		Source:      SourceFallback,
	}
}

// analyze builds a profile from the task text alone.
func analyze(task Task) Profile {
	combined := task.Prompt + task.Context
	words := wordSet(combined)

	p := Profile{
		EstimatedTokens:    tokens.Estimate(combined),
		RequiresCreativity: containsAny(words, creativityKeywords),
		ReasoningRequired:  containsAny(words, reasoningKeywords),
		Confidence:         0.7,
	}

	switch n := len(task.Context); {
	case n < 200:
		p.ContextDependency = DependencyLow
	case n < 800:
		p.ContextDependency = DependencyMedium
	default:
		p.ContextDependency = DependencyHigh
	}

	switch {
	case p.EstimatedTokens < 100 && !p.RequiresCreativity && !p.ReasoningRequired && p.ContextDependency == DependencyLow:
		p.Tier = UltraSimple
	case p.EstimatedTokens < 300 && !p.ReasoningRequired && p.ContextDependency == DependencyLow:
		p.Tier = Simple
	case p.EstimatedTokens < 600 && !p.ReasoningRequired:
		p.Tier = Moderate
	default:
		p.Tier = Complex
	}
	return p
}

// ComputeTierFor maps a profile to the compute tier used for generation.
func ComputeTierFor(p Profile) provider.Tier {
	switch p.Tier {
	case UltraSimple:
		return provider.TierEconomy
	case Simple:
		return provider.TierStandard
	case Complex:
		return provider.TierPremium
	case Moderate:
		if p.RequiresCreativity && p.ReasoningRequired {
			return provider.TierPremium
		}
		if p.ContextDependency == DependencyHigh && p.EstimatedTokens > 400 {
			return provider.TierPremium
		}
		return provider.TierStandard
	}
	return provider.TierEconomy
}

func wordSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r > 127)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func containsAny(words map[string]struct{}, keywords []string) bool {
	for _, kw := range keywords {
		if _, ok := words[kw]; ok {
			return true
		}
	}
	return false
}
