package context

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/rank"
)

// Admitted is a layer admitted by the allocator.
type Admitted struct {
	rank.Scored
	Tier    Tier
	Element string
}

// Allocation is the outcome of one budget allocation.
type Allocation struct {
	Plan     Plan
	Budget   int
	Used     int
	Admitted []Admitted    // in rank.Less order
	Skipped  []rank.Scored // matched an element but did not fit
	TierUsed Tier

	counts map[Tier][2]int // admitted, matched
}

// Allocate admits layers tier by tier (required, priority, optional).
// Within a tier, elements are visited in plan order and each element's
// matching layers in rank order. A layer is admitted whole only if its
// estimate fits the remaining budget; otherwise it is skipped for good.
// A layer matched by several elements is considered once.
func Allocate(layers []layer.Layer, c Criteria, now time.Time) Allocation {
	scorer := rank.New(c.CharacterIDs, c.Weights, now)
	ranked := scorer.Rank(layers)

	a := Allocation{
		Plan:     PlanFor(c.TaskType, c.StoryPhase),
		Budget:   c.MaxTokens,
		TierUsed: TierNone,
		counts:   make(map[Tier][2]int),
	}
	remaining := c.MaxTokens
	considered := make(map[string]bool, len(ranked))

	for _, tier := range Tiers {
		for _, name := range a.Plan.Elements(tier) {
			match, ok := elements[name]
			if !ok {
				continue
			}
			for _, r := range ranked {
				if considered[r.Layer.ID] || !match(r.Layer, scorer) {
					continue
				}
				considered[r.Layer.ID] = true
				n := a.counts[tier]
				n[1]++
				if r.Layer.TokenEstimate <= remaining {
					remaining -= r.Layer.TokenEstimate
					a.Used += r.Layer.TokenEstimate
					a.Admitted = append(a.Admitted, Admitted{Scored: r, Tier: tier, Element: name})
					n[0]++
					if tier.depth() > a.TierUsed.depth() {
						a.TierUsed = tier
					}
				} else {
					a.Skipped = append(a.Skipped, r)
				}
				a.counts[tier] = n
			}
		}
	}

	sortAdmitted(a.Admitted)
	return a
}

func sortAdmitted(items []Admitted) {
	sort.SliceStable(items, func(i, j int) bool {
		return rank.Less(items[i].Scored, items[j].Scored)
	})
}

// Layers returns the admitted layers in presentation order.
func (a Allocation) Layers() []layer.Layer {
	out := make([]layer.Layer, len(a.Admitted))
	for i, ad := range a.Admitted {
		out[i] = ad.Layer
	}
	return out
}

// SelectedLayers converts admitted layers to their result form.
func (a Allocation) SelectedLayers() []SelectedLayer {
	out := make([]SelectedLayer, len(a.Admitted))
	for i, ad := range a.Admitted {
		out[i] = SelectedLayer{
			ID:         ad.Layer.ID,
			Kind:       string(ad.Layer.Kind),
			Tier:       ad.Tier,
			Element:    ad.Element,
			Score:      ad.Score,
			Importance: ad.Layer.Importance,
			Tokens:     ad.Layer.TokenEstimate,
		}
	}
	return out
}

// SkippedIDs lists the IDs of layers rejected for budget.
func (a Allocation) SkippedIDs() []string {
	out := make([]string, len(a.Skipped))
	for i, s := range a.Skipped {
		out[i] = s.Layer.ID
	}
	return out
}

// Counts returns how many layers tier admitted and how many it matched.
func (a Allocation) Counts(t Tier) (admitted, matched int) {
	n := a.counts[t]
	return n[0], n[1]
}

// RequiredCoverage is the share of matched required-tier layers that were
// admitted, or 1 when nothing matched the required tier.
func (a Allocation) RequiredCoverage() float64 {
	admitted, matched := a.Counts(TierRequired)
	if matched == 0 {
		return 1
	}
	return float64(admitted) / float64(matched)
}

// Reasoning explains the allocation in one line.
func (a Allocation) Reasoning(c Criteria) string {
	var b strings.Builder
	task := c.TaskType
	if task == "" {
		task = defaultTask
	}
	fmt.Fprintf(&b, "task %s", task)
	if c.StoryPhase != "" {
		fmt.Fprintf(&b, " (%s)", c.StoryPhase)
	}
	b.WriteString(":")
	for _, t := range Tiers {
		admitted, matched := a.Counts(t)
		fmt.Fprintf(&b, " %s %d/%d", t, admitted, matched)
	}
	fmt.Fprintf(&b, "; %d/%d tokens", a.Used, a.Budget)
	if len(a.Skipped) > 0 {
		fmt.Fprintf(&b, "; %d skipped for budget", len(a.Skipped))
	}
	return b.String()
}
