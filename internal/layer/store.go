// Package layer holds per-campaign working memory: context layers,
// per-session conversation memory and an optional campaign summary.
// Every operation is total; an unknown campaign reads as empty.
package layer

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-loom/internal/keyed"
	"go.uber.org/zap"
)

// Store is the layer store contract shared by the in-memory and Redis
// implementations.
type Store interface {
	Add(ctx context.Context, campaignID string, in Input) Layer
	Layers(ctx context.Context, campaignID string) []Layer
	Prune(ctx context.Context, campaignID string) []Layer
	Clear(ctx context.Context, campaignID string)

	AddMemory(ctx context.Context, campaignID, sessionID string, e MemoryEntry)
	Memory(ctx context.Context, campaignID, sessionID string) []MemoryEntry

	SetSummary(ctx context.Context, campaignID string, s Summary)
	Summary(ctx context.Context, campaignID string) (Summary, bool)

	Contents(ctx context.Context, campaignID string) Contents
}

// PruneHook receives layers discarded by compaction. It is called after
// the campaign's lock has been released.
type PruneHook func(campaignID string, pruned []Layer)

type options struct {
	threshold int
	onPrune   PruneHook
	now       func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithThreshold sets the stored-token compaction threshold.
func WithThreshold(tokens int) Option {
	return func(o *options) {
		if tokens > 0 {
			o.threshold = tokens
		}
	}
}

// WithPruneHook registers fn to receive compacted layers.
func WithPruneHook(fn PruneHook) Option {
	return func(o *options) { o.onPrune = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{threshold: DefaultCompactionThreshold, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type campaign struct {
	layers  []Layer
	seq     int64
	memory  map[string][]MemoryEntry
	summary *Summary
}

// MemoryStore keeps layers in process memory.
type MemoryStore struct {
	campaigns *keyed.Map[campaign]
	opts      options
	logger    *zap.Logger
}

// NewMemoryStore creates an in-memory Store.
func NewMemoryStore(logger *zap.Logger, opts ...Option) *MemoryStore {
	return &MemoryStore{
		campaigns: keyed.NewMap(func() campaign {
			return campaign{memory: make(map[string][]MemoryEntry)}
		}),
		opts:   buildOptions(opts),
		logger: logger,
	}
}

// Add appends a layer and runs the compaction check.
func (s *MemoryStore) Add(_ context.Context, campaignID string, in Input) Layer {
	var (
		added  Layer
		pruned []Layer
	)
	s.campaigns.Update(campaignID, func(c *campaign) {
		c.seq++
		added = build(in, s.opts.now(), c.seq)
		c.layers = append(c.layers, added)
		c.layers, pruned = compact(c.layers, s.opts.threshold)
	})
	notifyPrune(s.logger, s.opts, campaignID, pruned)
	return added
}

// Layers returns a copy of the campaign's layers in insertion order.
func (s *MemoryStore) Layers(_ context.Context, campaignID string) []Layer {
	var out []Layer
	s.campaigns.View(campaignID, func(c *campaign) {
		out = append([]Layer(nil), c.layers...)
	})
	return out
}

// Prune compacts the campaign if it is over threshold and returns what
// was discarded.
func (s *MemoryStore) Prune(_ context.Context, campaignID string) []Layer {
	var pruned []Layer
	s.campaigns.View(campaignID, func(c *campaign) {
		c.layers, pruned = compact(c.layers, s.opts.threshold)
	})
	notifyPrune(s.logger, s.opts, campaignID, pruned)
	return pruned
}

// Clear drops the campaign's layers, memory and summary.
func (s *MemoryStore) Clear(_ context.Context, campaignID string) {
	s.campaigns.View(campaignID, func(c *campaign) {
		c.layers = nil
		c.memory = make(map[string][]MemoryEntry)
		c.summary = nil
	})
}

// AddMemory appends a conversation entry to the session's memory.
func (s *MemoryStore) AddMemory(_ context.Context, campaignID, sessionID string, e MemoryEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.opts.now()
	}
	e.Importance = ClampImportance(e.Importance)
	s.campaigns.Update(campaignID, func(c *campaign) {
		c.memory[sessionID] = appendMemory(c.memory[sessionID], e)
	})
}

// Memory returns the session's conversation memory, oldest first.
func (s *MemoryStore) Memory(_ context.Context, campaignID, sessionID string) []MemoryEntry {
	var out []MemoryEntry
	s.campaigns.View(campaignID, func(c *campaign) {
		out = append([]MemoryEntry(nil), c.memory[sessionID]...)
	})
	return out
}

// SetSummary replaces the campaign summary.
func (s *MemoryStore) SetSummary(_ context.Context, campaignID string, sum Summary) {
	s.campaigns.Update(campaignID, func(c *campaign) {
		c.summary = &sum
	})
}

// Summary returns the campaign summary if one was set.
func (s *MemoryStore) Summary(_ context.Context, campaignID string) (Summary, bool) {
	var (
		out Summary
		ok  bool
	)
	s.campaigns.View(campaignID, func(c *campaign) {
		if c.summary != nil {
			out, ok = *c.summary, true
		}
	})
	return out, ok
}

// Contents returns a copy of everything held for the campaign.
func (s *MemoryStore) Contents(_ context.Context, campaignID string) Contents {
	out := Contents{Memory: make(map[string][]MemoryEntry)}
	s.campaigns.View(campaignID, func(c *campaign) {
		out.Layers = append([]Layer(nil), c.layers...)
		for id, entries := range c.memory {
			out.Memory[id] = append([]MemoryEntry(nil), entries...)
		}
		if c.summary != nil {
			sum := *c.summary
			out.Summary = &sum
		}
	})
	return out
}

func notifyPrune(logger *zap.Logger, o options, campaignID string, pruned []Layer) {
	if len(pruned) == 0 {
		return
	}
	logger.Info("compacted campaign layers",
		zap.String("campaign", campaignID),
		zap.Int("pruned", len(pruned)),
		zap.Int("freed_tokens", TotalTokens(pruned)))
	if o.onPrune != nil {
		o.onPrune(campaignID, pruned)
	}
}
