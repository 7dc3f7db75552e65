// Package cache memoizes selection results per campaign and request
// signature for a fixed TTL. Reads never delete: an expired entry is a
// miss until SweepExpired removes it.
package cache

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-loom/internal/keyed"
	"github.com/nidhogg/nuka-loom/internal/metrics"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	selection "github.com/nidhogg/nuka-loom/internal/context"
)

// DefaultTTL is how long a cached selection stays valid.
const DefaultTTL = 5 * time.Minute

// Key identifies a cached selection. CharacterIDs are a set: order and
// duplicates do not change the key.
type Key struct {
	CampaignID   string
	TaskType     string
	StoryPhase   selection.Phase
	CharacterIDs []string
	MaxTokens    int
	SessionID    string
}

// KeyFor builds the cache key of a selection request.
func KeyFor(campaignID string, c selection.Criteria) Key {
	return Key{
		CampaignID:   campaignID,
		TaskType:     c.TaskType,
		StoryPhase:   c.StoryPhase,
		CharacterIDs: c.CharacterIDs,
		MaxTokens:    c.MaxTokens,
		SessionID:    c.SessionID,
	}
}

// Digest returns the request signature within the campaign.
func (k Key) Digest() string {
	chars := append([]string(nil), k.CharacterIDs...)
	sort.Strings(chars)
	uniq := chars[:0]
	for i, id := range chars {
		if i == 0 || id != chars[i-1] {
			uniq = append(uniq, id)
		}
	}

	var b strings.Builder
	b.WriteString(k.TaskType)
	b.WriteByte(0x1f)
	b.WriteString(string(k.StoryPhase))
	b.WriteByte(0x1f)
	b.WriteString(strings.Join(uniq, "\x1e"))
	b.WriteByte(0x1f)
	b.WriteString(strconv.Itoa(k.MaxTokens))
	if k.SessionID != "" {
		b.WriteByte(0x1f)
		b.WriteString(k.SessionID)
	}

	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

type entry struct {
	result    selection.Result
	writtenAt time.Time
}

// Cache is safe for concurrent use. Each campaign's entries are guarded
// by their own lock.
type Cache struct {
	campaigns *keyed.Map[map[string]entry]
	ttl       time.Duration
	now       func() time.Time
	hits      atomic.Int64
	misses    atomic.Int64
	logger    *zap.Logger
}

// New creates a cache. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		campaigns: keyed.NewMap(func() map[string]entry { return make(map[string]entry) }),
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the cached result with CacheHit set, if an entry
// younger than the TTL exists.
func (c *Cache) Get(k Key) (selection.Result, bool) {
	digest := k.Digest()
	now := c.now()

	var (
		res selection.Result
		hit bool
	)
	c.campaigns.View(k.CampaignID, func(m *map[string]entry) {
		e, ok := (*m)[digest]
		if ok && now.Sub(e.writtenAt) < c.ttl {
			res, hit = e.result.Clone(), true
		}
	})

	if hit {
		c.hits.Add(1)
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		res.CacheHit = true
		return res, true
	}
	c.misses.Add(1)
	metrics.CacheRequests.WithLabelValues("miss").Inc()
	return selection.Result{}, false
}

// Set stores r under k, replacing any previous entry.
func (c *Cache) Set(k Key, r selection.Result) {
	r = r.Clone()
	r.CacheHit = false
	e := entry{result: r, writtenAt: c.now()}
	c.campaigns.Update(k.CampaignID, func(m *map[string]entry) {
		(*m)[k.Digest()] = e
	})
}

// SweepExpired deletes every entry at or past its TTL and returns how
// many were removed.
func (c *Cache) SweepExpired() int {
	now := c.now()
	removed, remaining := 0, 0
	c.campaigns.Range(func(_ string, m *map[string]entry) {
		for k, e := range *m {
			if now.Sub(e.writtenAt) >= c.ttl {
				delete(*m, k)
				removed++
			}
		}
		remaining += len(*m)
	})
	metrics.CacheEntries.Set(float64(remaining))
	if removed > 0 {
		c.logger.Debug("swept expired selections",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining))
	}
	return removed
}

// Stats describes the cache at a point in time.
type Stats struct {
	Entries       int     `json:"entries"`
	Expired       int     `json:"expired"`
	AverageTTLSec float64 `json:"average_ttl_seconds"`
	TTLSec        float64 `json:"ttl_seconds"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
}

// Stats reports entry counts, the mean remaining lifetime of stored
// entries (expired ones count as zero) and the running hit rate.
func (c *Cache) Stats() Stats {
	now := c.now()
	var (
		s         Stats
		remaining time.Duration
	)
	c.campaigns.Range(func(_ string, m *map[string]entry) {
		for _, e := range *m {
			s.Entries++
			left := c.ttl - now.Sub(e.writtenAt)
			if left <= 0 {
				s.Expired++
				continue
			}
			remaining += left
		}
	})
	if s.Entries > 0 {
		s.AverageTTLSec = remaining.Seconds() / float64(s.Entries)
	}
	s.TTLSec = c.ttl.Seconds()
	s.Hits, s.Misses = c.hits.Load(), c.misses.Load()
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
