// Package rank scores layers against a selection request.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/nuka-loom/internal/layer"
)

// Weights scale the components of a layer's relevance score. They are
// independent and need not sum to 1.
type Weights struct {
	StoryRelevance     float64 `json:"story_relevance"`
	CharacterRelevance float64 `json:"character_relevance"`
	Recency            float64 `json:"recency"`
	Importance         float64 `json:"importance"`
	QuestRelevance     float64 `json:"quest_relevance"`
}

// DefaultWeights weights every component equally.
func DefaultWeights() Weights {
	return Weights{
		StoryRelevance:     1,
		CharacterRelevance: 1,
		Recency:            1,
		Importance:         1,
		QuestRelevance:     1,
	}
}

// IsZero reports whether no weight is set.
func (w Weights) IsZero() bool {
	return w == Weights{}
}

const (
	importanceFactor = 0.3
	recencyFactor    = 0.2
	characterFactor  = 0.3
	storyFactor      = 0.2

	recencyWindow = 24 * time.Hour
)

// Scorer scores layers for one request at a fixed instant.
type Scorer struct {
	characters map[string]struct{}
	weights    Weights
	now        time.Time
}

// New creates a Scorer for the request's characters and weights.
func New(characterIDs []string, w Weights, now time.Time) Scorer {
	chars := make(map[string]struct{}, len(characterIDs))
	for _, id := range characterIDs {
		chars[id] = struct{}{}
	}
	return Scorer{characters: chars, weights: w, now: now}
}

// Score returns the layer's relevance.
func (s Scorer) Score(l layer.Layer) float64 {
	return float64(l.Importance)*importanceFactor +
		s.Recency(l)*s.weights.Recency*recencyFactor +
		s.CharacterOverlap(l)*s.weights.CharacterRelevance*characterFactor +
		StoryBonus(l)*s.weights.StoryRelevance*storyFactor
}

// Recency is 1 for a fresh layer, falling linearly to 0 at 24 hours.
// Layers stamped in the future count as fresh.
func (s Scorer) Recency(l layer.Layer) float64 {
	age := s.now.Sub(l.CreatedAt).Hours()
	return math.Min(1, math.Max(0, 1-age/recencyWindow.Hours()))
}

// CharacterOverlap is the share of requested characters the layer
// mentions, or 0 when the request names none.
func (s Scorer) CharacterOverlap(l layer.Layer) float64 {
	if len(s.characters) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(l.CharacterIDs))
	hits := 0
	for _, id := range l.CharacterIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := s.characters[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(s.characters))
}

// Shares reports whether the layer names any requested character.
func (s Scorer) Shares(l layer.Layer) bool {
	for _, id := range l.CharacterIDs {
		if _, ok := s.characters[id]; ok {
			return true
		}
	}
	return false
}

// StoryBonus is 1 when the layer references a story beat or quest.
func StoryBonus(l layer.Layer) float64 {
	if l.StoryBeatID != "" || l.QuestID != "" {
		return 1
	}
	return 0
}

// MaxScore is the highest score any layer can reach under w.
func MaxScore(w Weights) float64 {
	return layer.MaxImportance*importanceFactor +
		math.Max(0, w.Recency)*recencyFactor +
		math.Max(0, w.CharacterRelevance)*characterFactor +
		math.Max(0, w.StoryRelevance)*storyFactor
}

// Scored pairs a layer with its score.
type Scored struct {
	Layer layer.Layer `json:"layer"`
	Score float64     `json:"score"`
}

// Less orders by score descending, then importance descending, then
// insertion order ascending. It is the single ordering used everywhere a
// set of layers is ranked.
func Less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Layer.Importance != b.Layer.Importance {
		return a.Layer.Importance > b.Layer.Importance
	}
	return a.Layer.Seq < b.Layer.Seq
}

// Sort orders scored layers with Less.
func Sort(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

// Rank scores every layer and returns them in Less order.
func (s Scorer) Rank(layers []layer.Layer) []Scored {
	out := make([]Scored, len(layers))
	for i, l := range layers {
		out[i] = Scored{Layer: l, Score: s.Score(l)}
	}
	Sort(out)
	return out
}
