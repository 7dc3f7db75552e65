package context

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/rank"
	"github.com/nidhogg/nuka-loom/internal/tokens"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mk builds a layer with an exact token estimate.
func mk(id string, seq int64, kind layer.Kind, importance, tokenCount int) layer.Layer {
	text := strings.Repeat("a", tokenCount*4)
	return layer.Layer{
		ID:            id,
		Seq:           seq,
		Kind:          kind,
		Text:          text,
		Importance:    importance,
		TokenEstimate: tokens.Estimate(text),
		CreatedAt:     now.Add(-time.Hour),
	}
}

func admittedIDs(a Allocation) []string {
	ids := make([]string, len(a.Admitted))
	for i, ad := range a.Admitted {
		ids[i] = ad.Layer.ID
	}
	return ids
}

func TestAllocateEndToEnd(t *testing.T) {
	story := mk("story", 1, layer.KindStory, 9, 50)
	story.StoryBeatID = "beat-3"
	char := mk("char", 2, layer.KindCharacter, 6, 40)
	char.CharacterIDs = []string{"ana"}
	world := mk("world", 3, layer.KindWorldState, 8, 9000)

	c := Criteria{
		TaskType:     "character_interaction",
		CharacterIDs: []string{"ana"},
		StoryPhase:   PhaseDevelopment,
		MaxTokens:    100,
		Weights:      rank.DefaultWeights(),
	}
	a := Allocate([]layer.Layer{story, char, world}, c, now)

	if a.Used != 90 {
		t.Errorf("used = %d, want 90", a.Used)
	}
	got := admittedIDs(a)
	if len(got) != 2 || got[0] != "story" || got[1] != "char" {
		t.Fatalf("admitted = %v, want [story char]", got)
	}
	for _, ad := range a.Admitted {
		if ad.Tier != TierRequired {
			t.Errorf("%s admitted in %s tier", ad.Layer.ID, ad.Tier)
		}
	}
	if len(a.Skipped) != 1 || a.Skipped[0].Layer.ID != "world" {
		t.Errorf("skipped = %v, want [world]", a.SkippedIDs())
	}
	if a.TierUsed != TierRequired {
		t.Errorf("tier used = %s", a.TierUsed)
	}
	if text := Assemble("", a.Layers()); tokens.Estimate(text) > c.MaxTokens {
		t.Errorf("assembled text is %d tokens", tokens.Estimate(text))
	}
}

func TestAllocateNeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := layer.Kinds
	for round := 0; round < 200; round++ {
		var layers []layer.Layer
		for i := 0; i < 1+rng.Intn(30); i++ {
			l := mk(fmt.Sprintf("l%d", i), int64(i+1), kinds[rng.Intn(len(kinds))], 1+rng.Intn(10), rng.Intn(120))
			if rng.Intn(2) == 0 {
				l.StoryBeatID = "beat"
			}
			if rng.Intn(3) == 0 {
				l.CharacterIDs = []string{"ana", "bo"}[:1+rng.Intn(2)]
			}
			if rng.Intn(4) == 0 {
				l.Tags = []string{"lore"}
			}
			layers = append(layers, l)
		}
		tasks := []string{"story_progression", "character_interaction", "combat", "dialogue", "unknown"}
		phases := []Phase{PhaseSetup, PhaseDevelopment, PhaseClimax, PhaseResolution}
		c := Criteria{
			TaskType:     tasks[rng.Intn(len(tasks))],
			StoryPhase:   phases[rng.Intn(len(phases))],
			CharacterIDs: []string{"ana"},
			MaxTokens:    rng.Intn(400),
			Weights:      rank.DefaultWeights(),
		}
		a := Allocate(layers, c, now)
		sum := 0
		seen := make(map[string]bool)
		for _, ad := range a.Admitted {
			if seen[ad.Layer.ID] {
				t.Fatalf("round %d: layer %s admitted twice", round, ad.Layer.ID)
			}
			seen[ad.Layer.ID] = true
			sum += ad.Layer.TokenEstimate
		}
		if sum > c.MaxTokens || sum != a.Used {
			t.Fatalf("round %d: sum %d used %d budget %d", round, sum, a.Used, c.MaxTokens)
		}
	}
}

func TestRequiredNotDisplaced(t *testing.T) {
	// story_progression: character_development is required, quest_progress priority.
	required := mk("req", 1, layer.KindCharacter, 1, 60)
	priority := mk("pri", 2, layer.KindQuest, 10, 50)
	priority.QuestID = "q1"

	a := Allocate([]layer.Layer{priority, required}, Criteria{
		TaskType:  "story_progression",
		MaxTokens: 100,
		Weights:   rank.DefaultWeights(),
	}, now)

	got := admittedIDs(a)
	if len(got) != 1 || got[0] != "req" {
		t.Fatalf("admitted = %v, want [req]", got)
	}
	if len(a.Skipped) != 1 || a.Skipped[0].Layer.ID != "pri" {
		t.Errorf("skipped = %v", a.SkippedIDs())
	}
}

func TestSkippedLayerNotDeferred(t *testing.T) {
	big := mk("big", 1, layer.KindCharacter, 10, 80)
	small := mk("small", 2, layer.KindStory, 2, 30) // story_history, optional
	a := Allocate([]layer.Layer{big, small}, Criteria{
		TaskType:  "story_progression",
		MaxTokens: 50,
		Weights:   rank.DefaultWeights(),
	}, now)

	got := admittedIDs(a)
	if len(got) != 1 || got[0] != "small" {
		t.Fatalf("admitted = %v, want [small]", got)
	}
	if a.TierUsed != TierOptional {
		t.Errorf("tier used = %s, want optional", a.TierUsed)
	}
	if cov := a.RequiredCoverage(); cov != 0 {
		t.Errorf("required coverage = %v, want 0", cov)
	}
}

func TestLayerMatchedByTwoElementsAdmittedOnce(t *testing.T) {
	l := mk("pair", 1, layer.KindCharacter, 5, 10)
	l.CharacterIDs = []string{"ana", "bo"}
	a := Allocate([]layer.Layer{l}, Criteria{
		TaskType:     "character_interaction",
		CharacterIDs: []string{"ana"},
		StoryPhase:   PhaseDevelopment,
		MaxTokens:    100,
		Weights:      rank.DefaultWeights(),
	}, now)
	if len(a.Admitted) != 1 || a.Used != 10 {
		t.Fatalf("admitted %d layers using %d tokens", len(a.Admitted), a.Used)
	}
	if a.Admitted[0].Element != ElementPresentCharacters {
		t.Errorf("element = %s", a.Admitted[0].Element)
	}
}

func TestAdmittedPresentationOrder(t *testing.T) {
	beat := mk("beat", 3, layer.KindStory, 4, 5)
	beat.StoryBeatID = "b"
	charA := mk("a", 1, layer.KindCharacter, 7, 5)
	charB := mk("b", 2, layer.KindCharacter, 7, 5)
	world := mk("w", 4, layer.KindWorldState, 9, 5)

	a := Allocate([]layer.Layer{beat, charA, charB, world}, Criteria{
		TaskType:  "story_progression",
		MaxTokens: 100,
		Weights:   rank.Weights{},
	}, now)

	got := admittedIDs(a)
	want := []string{"w", "a", "b", "beat"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestZeroBudgetAdmitsOnlyEmptyLayers(t *testing.T) {
	l := mk("x", 1, layer.KindImmediate, 5, 3)
	a := Allocate([]layer.Layer{l}, Criteria{MaxTokens: 0}, now)
	if len(a.Admitted) != 0 || a.TierUsed != TierNone {
		t.Errorf("admitted %v tier %s", admittedIDs(a), a.TierUsed)
	}
}

func TestPlanForPhases(t *testing.T) {
	p := PlanFor("world_exploration", PhaseClimax)
	if p.Required[len(p.Required)-1] != ElementActiveQuests {
		t.Errorf("climax should require active quests: %v", p.Required)
	}
	for _, name := range p.Priority {
		if name == ElementActiveQuests {
			t.Error("active_quests repeated in priority tier")
		}
	}

	p = PlanFor("story_progression", PhaseResolution)
	if !contains(p.Priority, ElementLongTermMemory) {
		t.Errorf("resolution should prioritize long-term memory: %v", p.Priority)
	}
	if !contains(p.Priority, ElementStoryHistory) || contains(p.Optional, ElementStoryHistory) {
		t.Errorf("resolution should move story history to priority: %v / %v", p.Priority, p.Optional)
	}

	if got, want := PlanFor("no_such_task", ""), taskPlans[defaultTask]; strings.Join(got.Required, ",") != strings.Join(want.Required, ",") {
		t.Errorf("unknown task plan = %v", got)
	}
	if KnownTask("no_such_task") || KnownTask(defaultTask) || !KnownTask("combat") {
		t.Error("KnownTask misreports")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestReasoningMentionsBudget(t *testing.T) {
	a := Allocate(nil, Criteria{TaskType: "combat", MaxTokens: 10}, now)
	r := a.Reasoning(Criteria{TaskType: "combat", MaxTokens: 10})
	if !strings.Contains(r, "combat") || !strings.Contains(r, "0/10 tokens") {
		t.Errorf("reasoning = %q", r)
	}
}
