// Package archive keeps layers discarded by storage compaction so they
// can still be inspected after they leave working memory.
package archive

import (
	"context"
	"sort"

	"github.com/nidhogg/nuka-loom/internal/keyed"
	"github.com/nidhogg/nuka-loom/internal/layer"
)

// Archive stores pruned layers.
type Archive interface {
	Store(ctx context.Context, campaignID string, layers []layer.Layer) error
	Recall(ctx context.Context, campaignID string, limit int) ([]layer.Layer, error)
}

// DefaultRecallLimit caps Recall when no limit is given.
const DefaultRecallLimit = 50

// sortRecalled orders layers by importance descending, newest first.
func sortRecalled(layers []layer.Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		if layers[i].Importance != layers[j].Importance {
			return layers[i].Importance > layers[j].Importance
		}
		return layers[i].CreatedAt.After(layers[j].CreatedAt)
	})
}

// Memory is an in-process Archive.
type Memory struct {
	campaigns *keyed.Map[[]layer.Layer]
}

// NewMemory creates an empty in-process archive.
func NewMemory() *Memory {
	return &Memory{campaigns: keyed.NewMap(func() []layer.Layer { return nil })}
}

// Store implements Archive.
func (m *Memory) Store(_ context.Context, campaignID string, layers []layer.Layer) error {
	m.campaigns.Update(campaignID, func(v *[]layer.Layer) {
		*v = append(*v, layers...)
	})
	return nil
}

// Recall implements Archive.
func (m *Memory) Recall(_ context.Context, campaignID string, limit int) ([]layer.Layer, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	var out []layer.Layer
	m.campaigns.View(campaignID, func(v *[]layer.Layer) {
		out = append(out, *v...)
	})
	sortRecalled(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
