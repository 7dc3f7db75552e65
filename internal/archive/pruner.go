package archive

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/metrics"
	"github.com/nidhogg/nuka-loom/internal/telemetry"
	"go.uber.org/zap"
)

// storeTimeout bounds one archive write.
const storeTimeout = 5 * time.Second

// Pruner receives compaction output from a layer store and archives it
// in the background.
type Pruner struct {
	archive Archive
	events  *telemetry.Publisher
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewPruner creates a Pruner. events may be nil.
func NewPruner(a Archive, events *telemetry.Publisher, logger *zap.Logger) *Pruner {
	return &Pruner{archive: a, events: events, logger: logger}
}

// Hook is a layer.PruneHook.
func (p *Pruner) Hook(campaignID string, pruned []layer.Layer) {
	if len(pruned) == 0 {
		return
	}
	metrics.LayersPruned.Add(float64(len(pruned)))
	p.events.Publish(telemetry.Event{
		Type:       telemetry.EventCompaction,
		CampaignID: campaignID,
		Fields: map[string]any{
			"pruned":       len(pruned),
			"freed_tokens": layer.TotalTokens(pruned),
		},
	})
	if p.archive == nil {
		return
	}

	batch := append([]layer.Layer(nil), pruned...)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := p.archive.Store(ctx, campaignID, batch); err != nil {
			p.logger.Warn("archive pruned layers failed",
				zap.String("campaign", campaignID),
				zap.Int("count", len(batch)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until pending archive writes finish.
func (p *Pruner) Wait() {
	p.wg.Wait()
}
