package context

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loom/internal/classify"
	"github.com/nidhogg/nuka-loom/internal/generation"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/tokens"
	"go.uber.org/zap"
)

const (
	lightAbove  = 0.8 // ratio above which only whitespace is normalized
	mediumAbove = 0.5 // ratio above which sections are kept or summarized

	mediumFill     = 0.9 // share of the budget medium compression may fill
	heavyTarget    = 0.8 // share of the budget asked of key-point extraction
	truncateFactor = 0.8

	summaryTokens = 200

	taskSectionSummary     = "section_summary"
	taskKeyPointExtraction = "key_point_extraction"

	ellipsis = "..."
)

// DefaultGenerationTimeout bounds each generation call made while
// compressing.
const DefaultGenerationTimeout = 20 * time.Second

// ChooseLevel maps a budget/size ratio to a compression level.
func ChooseLevel(ratio float64) Level {
	switch {
	case ratio > lightAbove:
		return LevelLight
	case ratio > mediumAbove:
		return LevelMedium
	default:
		return LevelHeavy
	}
}

// Compression describes what a compression pass did.
type Compression struct {
	Text       string `json:"-"`
	Level      Level  `json:"level"`
	Before     int    `json:"before"`
	After      int    `json:"after"`
	Summarized int    `json:"summarized,omitempty"`
	Dropped    int    `json:"dropped,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`
}

// Compressor shrinks assembled text that exceeds its budget.
type Compressor struct {
	gen        generation.Generator
	classifier *classify.Classifier
	timeout    time.Duration
	logger     *zap.Logger
}

// NewCompressor creates a compressor. gen may be nil, in which case
// medium compression drops sections that do not fit and heavy
// compression truncates.
func NewCompressor(gen generation.Generator, classifier *classify.Classifier, timeout time.Duration, logger *zap.Logger) *Compressor {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Compressor{
		gen:        gen,
		classifier: classifier,
		timeout:    timeout,
		logger:     logger,
	}
}

// Compress returns text unchanged when it fits maxTokens. Otherwise it
// applies the level chosen by ChooseLevel. It never fails: generation
// problems fall back to dropping sections or truncating.
func (c *Compressor) Compress(ctx context.Context, text string, maxTokens int) Compression {
	before := tokens.Estimate(text)
	if before <= maxTokens {
		return Compression{Text: text, Level: LevelNone, Before: before, After: before}
	}
	if maxTokens <= 0 {
		return Compression{Level: LevelHeavy, Before: before, Fallback: true}
	}

	ratio := float64(maxTokens) / float64(before)
	out := Compression{Level: ChooseLevel(ratio), Before: before}

	c.logger.Info("context exceeds budget, compressing",
		zap.Int("total", before),
		zap.Int("budget", maxTokens),
		zap.Float64("ratio", ratio),
		zap.String("level", string(out.Level)))

	normalized := Normalize(text)
	switch out.Level {
	case LevelLight:
		out.Text = normalized
	case LevelMedium:
		c.compressSections(ctx, normalized, maxTokens, &out)
	default:
		c.extractKeyPoints(ctx, normalized, maxTokens, &out)
	}
	out.After = tokens.Estimate(out.Text)
	return out
}

var (
	spaceRun     = regexp.MustCompile(`[ \t\f\v]+`)
	blankRun     = regexp.MustCompile(`\n{3,}`)
	sectionSplit = regexp.MustCompile(`\n[ \t]*\n`)
)

// Normalize collapses runs of spaces, trims every line and squeezes
// consecutive blank lines into one. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func splitSections(s string) []string {
	var out []string
	for _, sec := range sectionSplit.Split(s, -1) {
		if sec = strings.TrimSpace(sec); sec != "" {
			out = append(out, sec)
		}
	}
	return out
}

// compressSections keeps whole sections while the running total stays
// under 90% of the budget. A section that does not fit is summarized and
// kept if the summary fits; otherwise it is dropped.
func (c *Compressor) compressSections(ctx context.Context, text string, maxTokens int, out *Compression) {
	limit := mediumFill * float64(maxTokens)
	var kept []string
	fits := func(next string) bool {
		candidate := append(kept[:len(kept):len(kept)], next)
		return float64(tokens.Estimate(strings.Join(candidate, sectionBreak))) < limit
	}

	for _, sec := range splitSections(text) {
		if fits(sec) {
			kept = append(kept, sec)
			continue
		}
		summary, ok := c.summarize(ctx, sec)
		if ok && fits(summary) {
			kept = append(kept, summary)
			out.Summarized++
			continue
		}
		out.Dropped++
	}
	out.Text = strings.Join(kept, sectionBreak)
	c.logger.Debug("medium compression",
		zap.Int("kept", len(kept)),
		zap.Int("summarized", out.Summarized),
		zap.Int("dropped", out.Dropped))
}

func (c *Compressor) summarize(ctx context.Context, section string) (string, bool) {
	if c.gen == nil {
		return "", false
	}
	prompt := fmt.Sprintf(
		"Summarize the following campaign context in about %d tokens. Keep names, places and unresolved threads.\n\n%s",
		summaryTokens, section)
	res := c.generate(ctx, taskSectionSummary, prompt, summaryTokens)
	if !res.Success {
		c.logger.Warn("section summary failed, dropping section", zap.String("error", res.Error))
		return "", false
	}
	summary := Normalize(res.Content)
	return summary, summary != ""
}

// extractKeyPoints asks for one key-point extraction over the whole text.
// Failure, empty output or output still over budget falls back to keeping
// the leading words.
func (c *Compressor) extractKeyPoints(ctx context.Context, text string, maxTokens int, out *Compression) {
	target := int(heavyTarget * float64(maxTokens))
	if c.gen != nil {
		prompt := fmt.Sprintf(
			"Extract the key points of the following campaign context as a compact list. Stay under %d tokens.\n\n%s",
			target, text)
		res := c.generate(ctx, taskKeyPointExtraction, prompt, target)
		if res.Success {
			points := Normalize(res.Content)
			if points != "" && tokens.Estimate(points) <= maxTokens {
				out.Text = points
				return
			}
			c.logger.Warn("key point extraction returned unusable output, truncating",
				zap.Int("tokens", tokens.Estimate(points)),
				zap.Int("budget", maxTokens))
		} else {
			c.logger.Warn("key point extraction failed, truncating", zap.String("error", res.Error))
		}
	}
	out.Text = Truncate(text, maxTokens)
	out.Fallback = true
}

// Truncate keeps the first floor(maxTokens/4*0.8) words of text and
// appends an ellipsis.
func Truncate(text string, maxTokens int) string {
	n := int(math.Floor(float64(maxTokens) / 4 * truncateFactor))
	words := strings.Fields(text)
	if n < len(words) {
		words = words[:n]
	}
	return strings.Join(words, " ") + ellipsis
}

func (c *Compressor) generate(ctx context.Context, task, prompt string, maxOutput int) generation.Result {
	tier := provider.TierEconomy
	if c.classifier != nil {
		tier = c.classifier.Classify(classify.Task{Type: task, Prompt: prompt}).ComputeTier
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.gen.Generate(ctx, generation.Request{
		Prompt:          prompt,
		TaskType:        task,
		Temperature:     0.3,
		MaxOutputTokens: maxOutput,
		Tier:            tier,
	})
}
