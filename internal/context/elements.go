package context

import (
	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/rank"
)

// Element names. Each maps to a predicate over layer fields.
const (
	ElementCurrentStoryBeat       = "current_story_beat"
	ElementStoryHistory           = "story_history"
	ElementCharacterDevelopment   = "character_development"
	ElementCharacterRelationships = "character_relationships"
	ElementPresentCharacters      = "present_characters"
	ElementWorldState             = "world_state"
	ElementWorldLore              = "world_lore"
	ElementQuestProgress          = "quest_progress"
	ElementActiveQuests           = "active_quests"
	ElementRecentMemory           = "recent_memory"
	ElementLongTermMemory         = "long_term_memory"
)

type predicate func(l layer.Layer, s rank.Scorer) bool

var elements = map[string]predicate{
	ElementCurrentStoryBeat: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindStory && l.StoryBeatID != ""
	},
	ElementStoryHistory: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindStory && l.StoryBeatID == ""
	},
	ElementCharacterDevelopment: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindCharacter
	},
	ElementCharacterRelationships: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindCharacter && len(l.CharacterIDs) > 1
	},
	ElementPresentCharacters: func(l layer.Layer, s rank.Scorer) bool {
		return l.Kind == layer.KindCharacter && s.Shares(l)
	},
	ElementWorldState: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindWorldState
	},
	ElementWorldLore: func(l layer.Layer, _ rank.Scorer) bool {
		return l.HasTag("lore")
	},
	ElementQuestProgress: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindQuest || l.QuestID != ""
	},
	ElementActiveQuests: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindQuest && !l.HasTag("completed")
	},
	ElementRecentMemory: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindImmediate || l.Kind == layer.KindSession
	},
	ElementLongTermMemory: func(l layer.Layer, _ rank.Scorer) bool {
		return l.Kind == layer.KindLongTerm
	},
}

// Plan is the ordered element list for each allocation tier.
type Plan struct {
	Required []string `json:"required"`
	Priority []string `json:"priority"`
	Optional []string `json:"optional"`
}

// Elements returns the element names planned for tier.
func (p Plan) Elements(t Tier) []string {
	switch t {
	case TierRequired:
		return p.Required
	case TierPriority:
		return p.Priority
	case TierOptional:
		return p.Optional
	}
	return nil
}

const defaultTask = "default"

var taskPlans = map[string]Plan{
	"story_progression": {
		Required: []string{ElementCurrentStoryBeat, ElementCharacterDevelopment, ElementWorldState},
		Priority: []string{ElementQuestProgress, ElementRecentMemory},
		Optional: []string{ElementWorldLore, ElementStoryHistory},
	},
	"character_interaction": {
		Required: []string{ElementPresentCharacters, ElementCurrentStoryBeat},
		Priority: []string{ElementWorldState, ElementRecentMemory, ElementCharacterRelationships},
		Optional: []string{ElementLongTermMemory, ElementStoryHistory},
	},
	"world_exploration": {
		Required: []string{ElementWorldState, ElementCurrentStoryBeat},
		Priority: []string{ElementWorldLore, ElementActiveQuests},
		Optional: []string{ElementRecentMemory, ElementStoryHistory},
	},
	"combat": {
		Required: []string{ElementPresentCharacters, ElementCurrentStoryBeat},
		Priority: []string{ElementWorldState, ElementRecentMemory},
		Optional: []string{ElementQuestProgress, ElementCharacterDevelopment},
	},
	"quest_management": {
		Required: []string{ElementQuestProgress, ElementActiveQuests},
		Priority: []string{ElementCurrentStoryBeat, ElementPresentCharacters},
		Optional: []string{ElementWorldState, ElementStoryHistory},
	},
	"dialogue": {
		Required: []string{ElementPresentCharacters, ElementRecentMemory},
		Priority: []string{ElementCharacterRelationships, ElementCurrentStoryBeat},
		Optional: []string{ElementLongTermMemory, ElementWorldLore},
	},
	"scene_description": {
		Required: []string{ElementWorldState, ElementCurrentStoryBeat},
		Priority: []string{ElementPresentCharacters, ElementWorldLore},
		Optional: []string{ElementRecentMemory, ElementStoryHistory},
	},
	defaultTask: {
		Required: []string{ElementCurrentStoryBeat, ElementRecentMemory},
		Priority: []string{ElementPresentCharacters, ElementWorldState},
		Optional: []string{ElementLongTermMemory, ElementWorldLore},
	},
}

// phaseAdditions are appended to a task plan for the request's phase.
var phaseAdditions = map[Phase]Plan{
	PhaseSetup:       {Priority: []string{ElementWorldLore}},
	PhaseDevelopment: {Priority: []string{ElementCharacterRelationships}},
	PhaseClimax:      {Required: []string{ElementActiveQuests}},
	PhaseResolution:  {Priority: []string{ElementStoryHistory, ElementLongTermMemory}},
}

// PlanFor derives the element plan for a task type and story phase. An
// element appears only in the earliest tier that names it.
func PlanFor(taskType string, phase Phase) Plan {
	base, ok := taskPlans[taskType]
	if !ok {
		base = taskPlans[defaultTask]
	}
	add := phaseAdditions[phase]

	seen := make(map[string]bool)
	merge := func(lists ...[]string) []string {
		var out []string
		for _, list := range lists {
			for _, name := range list {
				if seen[name] {
					continue
				}
				seen[name] = true
				out = append(out, name)
			}
		}
		return out
	}
	return Plan{
		Required: merge(base.Required, add.Required),
		Priority: merge(base.Priority, add.Priority),
		Optional: merge(base.Optional, add.Optional),
	}
}

// KnownTask reports whether taskType has its own plan.
func KnownTask(taskType string) bool {
	_, ok := taskPlans[taskType]
	return ok && taskType != defaultTask
}
