package layer

import (
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-loom/internal/tokens"
)

// Kind classifies what a layer describes.
type Kind string

const (
	KindImmediate  Kind = "immediate"
	KindSession    Kind = "session"
	KindLongTerm   Kind = "long-term"
	KindCharacter  Kind = "character"
	KindStory      Kind = "story"
	KindWorldState Kind = "world-state"
	KindQuest      Kind = "quest"
)

// Kinds lists every layer kind.
var Kinds = []Kind{KindImmediate, KindSession, KindLongTerm, KindCharacter, KindStory, KindWorldState, KindQuest}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

const (
	MinImportance = 1
	MaxImportance = 10

	// MemoryCap is the number of conversation entries kept per session.
	MemoryCap = 20
)

// Layer is one fragment of campaign working memory. Layers are never
// mutated after they are stored.
type Layer struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	Importance    int       `json:"importance"`
	TokenEstimate int       `json:"token_estimate"`
	Tags          []string  `json:"tags,omitempty"`
	CharacterIDs  []string  `json:"character_ids,omitempty"`
	StoryBeatID   string    `json:"story_beat_id,omitempty"`
	QuestID       string    `json:"quest_id,omitempty"`
	Permanent     bool      `json:"permanent"`
	Seq           int64     `json:"seq"` // insertion order within the campaign
}

// HasTag reports whether the layer carries tag.
func (l Layer) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Input describes a layer to add.
type Input struct {
	Kind         Kind     `json:"kind"`
	Text         string   `json:"text"`
	Importance   int      `json:"importance"`
	Tags         []string `json:"tags,omitempty"`
	CharacterIDs []string `json:"character_ids,omitempty"`
	StoryBeatID  string   `json:"story_beat_id,omitempty"`
	QuestID      string   `json:"quest_id,omitempty"`
	Permanent    bool     `json:"permanent"`
}

// build turns an Input into a stored Layer.
func build(in Input, now time.Time, seq int64) Layer {
	kind := in.Kind
	if !kind.Valid() {
		kind = KindImmediate
	}
	return Layer{
		ID:            uuid.New().String(),
		Kind:          kind,
		Text:          in.Text,
		CreatedAt:     now,
		Importance:    ClampImportance(in.Importance),
		TokenEstimate: tokens.Estimate(in.Text),
		Tags:          append([]string(nil), in.Tags...),
		CharacterIDs:  append([]string(nil), in.CharacterIDs...),
		StoryBeatID:   in.StoryBeatID,
		QuestID:       in.QuestID,
		Permanent:     in.Permanent,
		Seq:           seq,
	}
}

// ClampImportance forces v into [MinImportance, MaxImportance].
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// MemoryEntry is one exchange in a session's conversation memory.
type MemoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Speaker    string    `json:"speaker"`
	Message    string    `json:"message"`
	Response   string    `json:"response"`
	Context    string    `json:"context,omitempty"`
	Importance int       `json:"importance"`
}

// Summary is the optional aggregated overview of a campaign.
type Summary struct {
	Text             string `json:"text"`
	TotalTokens      int    `json:"total_tokens"`
	CompressionLevel string `json:"compression_level"`
}

// Contents is everything the store holds for one campaign.
type Contents struct {
	Layers  []Layer                  `json:"layers"`
	Memory  map[string][]MemoryEntry `json:"memory"`
	Summary *Summary                 `json:"summary,omitempty"`
}
