// Package context selects the fragment of campaign state handed to a
// generator: it plans allocation tiers from the task, admits ranked layers
// under a token budget and compresses the assembled text when it still
// does not fit.
package context

import "github.com/nidhogg/nuka-loom/internal/rank"

// Phase is the story phase a request is made in.
type Phase string

const (
	PhaseSetup       Phase = "setup"
	PhaseDevelopment Phase = "development"
	PhaseClimax      Phase = "climax"
	PhaseResolution  Phase = "resolution"
)

// Criteria describes one selection request.
type Criteria struct {
	TaskType         string       `json:"task_type"`
	CurrentSituation string       `json:"current_situation"`
	CharacterIDs     []string     `json:"character_ids"`
	StoryPhase       Phase        `json:"story_phase"`
	MaxTokens        int          `json:"max_tokens"`
	Weights          rank.Weights `json:"priority_weights"`
	SessionID        string       `json:"session_id,omitempty"` // memory scope; empty means every session
}

// Tier is an allocation tier. Layers are admitted tier by tier.
type Tier string

const (
	TierRequired Tier = "required"
	TierPriority Tier = "priority"
	TierOptional Tier = "optional"
	TierNone     Tier = "none"
)

// Tiers lists the allocation tiers in admission order.
var Tiers = []Tier{TierRequired, TierPriority, TierOptional}

func (t Tier) depth() int {
	switch t {
	case TierRequired:
		return 1
	case TierPriority:
		return 2
	case TierOptional:
		return 3
	}
	return 0
}

// Level is a compression fidelity level.
type Level string

const (
	LevelNone   Level = "none"
	LevelLight  Level = "light"
	LevelMedium Level = "medium"
	LevelHeavy  Level = "heavy"
)

// SelectedLayer is a layer admitted into a selection.
type SelectedLayer struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Tier       Tier    `json:"tier"`
	Element    string  `json:"element"`
	Score      float64 `json:"score"`
	Importance int     `json:"importance"`
	Tokens     int     `json:"tokens"`
}

// Result is the outcome of a selection.
type Result struct {
	SelectedText       string          `json:"selected_text"`
	Reasoning          string          `json:"reasoning"`
	TokenUsage         int             `json:"token_usage"`
	EffectivenessScore float64         `json:"effectiveness_score"`
	SelectedLayers     []SelectedLayer `json:"selected_layers"`
	SelectionTimeMs    int64           `json:"selection_time_ms"`
	TierUsed           Tier            `json:"tier_used"`
	CacheHit           bool            `json:"cache_hit"`
	Compression        Level           `json:"compression"`
	SkippedLayers      []string        `json:"skipped_layers,omitempty"`
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	r.SelectedLayers = append([]SelectedLayer(nil), r.SelectedLayers...)
	r.SkippedLayers = append([]string(nil), r.SkippedLayers...)
	return r
}
