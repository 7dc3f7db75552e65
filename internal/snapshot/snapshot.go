// Package snapshot defines read access to the domain state a selection
// starts its text with: the current story beat, character developments,
// world state and quest progress.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-loom/internal/keyed"
)

// StoryBeat is the beat the campaign is currently playing.
type StoryBeat struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CharacterDevelopment is one recorded change to a character.
type CharacterDevelopment struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Development string `json:"development"`
}

// QuestProgress is the state of one quest.
type QuestProgress struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Progress string `json:"progress"`
}

// Snapshot is a campaign's domain state at read time.
type Snapshot struct {
	CampaignID   string                 `json:"campaign_id"`
	StoryBeat    *StoryBeat             `json:"story_beat,omitempty"`
	Developments []CharacterDevelopment `json:"character_developments,omitempty"`
	WorldState   string                 `json:"world_state,omitempty"`
	WorldChanges []string               `json:"world_changes,omitempty"`
	Quests       []QuestProgress        `json:"quests,omitempty"`
}

// Empty reports whether the snapshot carries no state.
func (s *Snapshot) Empty() bool {
	return s == nil || (s.StoryBeat == nil && len(s.Developments) == 0 &&
		s.WorldState == "" && len(s.WorldChanges) == 0 && len(s.Quests) == 0)
}

// Format renders the snapshot as one block of text with no blank lines,
// so compression treats it as a single section.
func (s *Snapshot) Format() string {
	if s.Empty() {
		return ""
	}
	var b strings.Builder
	if s.StoryBeat != nil {
		fmt.Fprintf(&b, "Current story beat: %s", s.StoryBeat.Title)
		if s.StoryBeat.Description != "" {
			fmt.Fprintf(&b, ": %s", s.StoryBeat.Description)
		}
		b.WriteByte('\n')
	}
	if len(s.Developments) > 0 {
		b.WriteString("Character developments:\n")
		for _, d := range s.Developments {
			name := d.Name
			if name == "" {
				name = d.CharacterID
			}
			fmt.Fprintf(&b, "- %s: %s\n", name, d.Development)
		}
	}
	if s.WorldState != "" {
		fmt.Fprintf(&b, "World state: %s\n", s.WorldState)
	}
	if len(s.WorldChanges) > 0 {
		b.WriteString("Recent world changes:\n")
		for _, c := range s.WorldChanges {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(s.Quests) > 0 {
		b.WriteString("Quest progress:\n")
		for _, q := range s.Quests {
			fmt.Fprintf(&b, "- %s (%s)", q.Title, q.Status)
			if q.Progress != "" {
				fmt.Fprintf(&b, ": %s", q.Progress)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Provider reads a campaign's snapshot. A campaign with no state yields
// an empty snapshot, not an error.
type Provider interface {
	Snapshot(ctx context.Context, campaignID string) (*Snapshot, error)
}

// Store is a Provider that can also replace a campaign's snapshot.
type Store interface {
	Provider
	Save(ctx context.Context, campaignID string, s Snapshot) error
}

// MemoryProvider serves snapshots held in process memory.
type MemoryProvider struct {
	snapshots *keyed.Map[Snapshot]
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{snapshots: keyed.NewMap(func() Snapshot { return Snapshot{} })}
}

// Save replaces the campaign's snapshot.
func (p *MemoryProvider) Save(_ context.Context, campaignID string, s Snapshot) error {
	s.CampaignID = campaignID
	p.snapshots.Update(campaignID, func(v *Snapshot) { *v = s })
	return nil
}

// Snapshot implements Provider.
func (p *MemoryProvider) Snapshot(_ context.Context, campaignID string) (*Snapshot, error) {
	out := &Snapshot{CampaignID: campaignID}
	p.snapshots.View(campaignID, func(v *Snapshot) {
		cp := *v
		cp.Developments = append([]CharacterDevelopment(nil), v.Developments...)
		cp.WorldChanges = append([]string(nil), v.WorldChanges...)
		cp.Quests = append([]QuestProgress(nil), v.Quests...)
		if v.StoryBeat != nil {
			beat := *v.StoryBeat
			cp.StoryBeat = &beat
		}
		out = &cp
	})
	return out, nil
}
