package snapshot

import (
	"context"
	"strings"
	"testing"
)

func TestFormat(t *testing.T) {
	s := &Snapshot{
		StoryBeat:    &StoryBeat{ID: "b1", Title: "The Siege", Description: "The walls are breached"},
		Developments: []CharacterDevelopment{{CharacterID: "c1", Name: "Ana", Development: "swore an oath"}, {CharacterID: "c2", Development: "lost a hand"}},
		WorldState:   "Winter grips the north",
		WorldChanges: []string{"the river froze"},
		Quests:       []QuestProgress{{Title: "Find the heir", Status: "active", Progress: "two leads"}},
	}
	want := strings.Join([]string{
		"Current story beat: The Siege: The walls are breached",
		"Character developments:",
		"- Ana: swore an oath",
		"- c2: lost a hand",
		"World state: Winter grips the north",
		"Recent world changes:",
		"- the river froze",
		"Quest progress:",
		"- Find the heir (active): two leads",
	}, "\n")
	if got := s.Format(); got != want {
		t.Errorf("Format:\n%s\nwant:\n%s", got, want)
	}
	if strings.Contains(s.Format(), "\n\n") {
		t.Error("formatted snapshot must not contain blank lines")
	}
}

func TestEmptySnapshot(t *testing.T) {
	var s *Snapshot
	if !s.Empty() || s.Format() != "" {
		t.Error("nil snapshot should be empty")
	}
	if got := (&Snapshot{CampaignID: "c"}).Format(); got != "" {
		t.Errorf("Format = %q", got)
	}
}

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	s, err := p.Snapshot(ctx, "missing")
	if err != nil || !s.Empty() || s.CampaignID != "missing" {
		t.Fatalf("missing campaign: %+v, %v", s, err)
	}

	if err := p.Save(ctx, "c1", Snapshot{WorldState: "calm", Quests: []QuestProgress{{Title: "q"}}}); err != nil {
		t.Fatal(err)
	}
	s, _ = p.Snapshot(ctx, "c1")
	if s.CampaignID != "c1" || s.WorldState != "calm" {
		t.Errorf("snapshot = %+v", s)
	}
	s.Quests[0].Title = "mutated"
	again, _ := p.Snapshot(ctx, "c1")
	if again.Quests[0].Title != "q" {
		t.Error("provider returned shared memory")
	}
}
