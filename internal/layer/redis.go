package layer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nidhogg/nuka-loom/internal/keyed"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const redisPrefix = "loom:campaign:"

// redisTimeout bounds every Redis round trip made on behalf of a caller.
const redisTimeout = 2 * time.Second

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("layer: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("layer: zstd decoder initialization failed: " + err.Error())
	}
}

// redisDoc is the persisted form of a campaign's layers and summary.
type redisDoc struct {
	Layers  []Layer  `json:"layers"`
	Seq     int64    `json:"seq"`
	Summary *Summary `json:"summary,omitempty"`
}

// RedisStore keeps layers in Redis as zstd-compressed JSON documents.
// Writers for one campaign are serialized in-process; Redis failures are
// logged and read as empty.
type RedisStore struct {
	rdb    *redis.Client
	locks  *keyed.Locker
	opts   options
	logger *zap.Logger
}

// NewRedisStore connects to redisURL and returns a Redis-backed Store.
func NewRedisStore(redisURL string, logger *zap.Logger, opts ...Option) (*RedisStore, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ro)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(rdb, logger, opts...), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb *redis.Client, logger *zap.Logger, opts ...Option) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		locks:  keyed.NewLocker(),
		opts:   buildOptions(opts),
		logger: logger,
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func campaignKey(campaignID string) string {
	sum := blake3.Sum256([]byte(campaignID))
	return redisPrefix + hex.EncodeToString(sum[:16])
}

func docKey(campaignID string) string      { return campaignKey(campaignID) + ":doc" }
func sessionsKey(campaignID string) string { return campaignKey(campaignID) + ":sessions" }
func memoryKey(campaignID, sessionID string) string {
	return campaignKey(campaignID) + ":mem:" + sessionID
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func decode(b []byte, v any) error {
	data, err := zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return decode(b, v)
}

func (s *RedisStore) loadDoc(ctx context.Context, campaignID string) (redisDoc, error) {
	var doc redisDoc
	err := s.getJSON(ctx, docKey(campaignID), &doc)
	return doc, err
}

func (s *RedisStore) saveDoc(ctx context.Context, campaignID string, doc redisDoc) error {
	b, err := encode(doc)
	if err != nil {
		return fmt.Errorf("encode campaign: %w", err)
	}
	return s.rdb.Set(ctx, docKey(campaignID), b, 0).Err()
}

func (s *RedisStore) warn(msg, campaignID string, err error) {
	s.logger.Warn(msg, zap.String("campaign", campaignID), zap.Error(err))
}

// Add appends a layer and runs the compaction check. If Redis is
// unavailable the layer is returned but not stored.
func (s *RedisStore) Add(ctx context.Context, campaignID string, in Input) Layer {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	unlock := s.locks.Lock(campaignID)
	doc, err := s.loadDoc(ctx, campaignID)
	if err != nil {
		unlock()
		s.warn("load layers failed", campaignID, err)
		return build(in, s.opts.now(), 0)
	}
	doc.Seq++
	added := build(in, s.opts.now(), doc.Seq)
	var pruned []Layer
	doc.Layers, pruned = compact(append(doc.Layers, added), s.opts.threshold)
	if err := s.saveDoc(ctx, campaignID, doc); err != nil {
		pruned = nil
		s.warn("save layers failed", campaignID, err)
	}
	unlock()

	notifyPrune(s.logger, s.opts, campaignID, pruned)
	return added
}

// Layers returns the campaign's layers in insertion order.
func (s *RedisStore) Layers(ctx context.Context, campaignID string) []Layer {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	doc, err := s.loadDoc(ctx, campaignID)
	if err != nil {
		s.warn("load layers failed", campaignID, err)
		return nil
	}
	return doc.Layers
}

// Prune compacts the campaign if it is over threshold.
func (s *RedisStore) Prune(ctx context.Context, campaignID string) []Layer {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	unlock := s.locks.Lock(campaignID)
	doc, err := s.loadDoc(ctx, campaignID)
	if err != nil {
		unlock()
		s.warn("load layers failed", campaignID, err)
		return nil
	}
	var pruned []Layer
	doc.Layers, pruned = compact(doc.Layers, s.opts.threshold)
	if len(pruned) > 0 {
		if err := s.saveDoc(ctx, campaignID, doc); err != nil {
			pruned = nil
			s.warn("save layers failed", campaignID, err)
		}
	}
	unlock()

	notifyPrune(s.logger, s.opts, campaignID, pruned)
	return pruned
}

// Clear deletes every key held for the campaign.
func (s *RedisStore) Clear(ctx context.Context, campaignID string) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	unlock := s.locks.Lock(campaignID)
	defer unlock()

	sessions, err := s.rdb.SMembers(ctx, sessionsKey(campaignID)).Result()
	if err != nil {
		s.warn("list sessions failed", campaignID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, docKey(campaignID), sessionsKey(campaignID))
		for _, id := range sessions {
			p.Del(ctx, memoryKey(campaignID, id))
		}
		return nil
	})
	if err != nil {
		s.warn("clear campaign failed", campaignID, err)
	}
}

// AddMemory appends a conversation entry to the session's memory.
func (s *RedisStore) AddMemory(ctx context.Context, campaignID, sessionID string, e MemoryEntry) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if e.Timestamp.IsZero() {
		e.Timestamp = s.opts.now()
	}
	e.Importance = ClampImportance(e.Importance)

	unlock := s.locks.Lock(campaignID)
	defer unlock()

	var entries []MemoryEntry
	if err := s.getJSON(ctx, memoryKey(campaignID, sessionID), &entries); err != nil {
		s.warn("load memory failed", campaignID, err)
		return
	}
	b, err := encode(appendMemory(entries, e))
	if err != nil {
		s.warn("encode memory failed", campaignID, err)
		return
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, memoryKey(campaignID, sessionID), b, 0)
		p.SAdd(ctx, sessionsKey(campaignID), sessionID)
		return nil
	})
	if err != nil {
		s.warn("save memory failed", campaignID, err)
	}
}

// Memory returns the session's conversation memory, oldest first.
func (s *RedisStore) Memory(ctx context.Context, campaignID, sessionID string) []MemoryEntry {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	var entries []MemoryEntry
	if err := s.getJSON(ctx, memoryKey(campaignID, sessionID), &entries); err != nil {
		s.warn("load memory failed", campaignID, err)
		return nil
	}
	return entries
}

// SetSummary replaces the campaign summary.
func (s *RedisStore) SetSummary(ctx context.Context, campaignID string, sum Summary) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	unlock := s.locks.Lock(campaignID)
	defer unlock()

	doc, err := s.loadDoc(ctx, campaignID)
	if err != nil {
		s.warn("load layers failed", campaignID, err)
		return
	}
	doc.Summary = &sum
	if err := s.saveDoc(ctx, campaignID, doc); err != nil {
		s.warn("save summary failed", campaignID, err)
	}
}

// Summary returns the campaign summary if one was set.
func (s *RedisStore) Summary(ctx context.Context, campaignID string) (Summary, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	doc, err := s.loadDoc(ctx, campaignID)
	if err != nil {
		s.warn("load summary failed", campaignID, err)
		return Summary{}, false
	}
	if doc.Summary == nil {
		return Summary{}, false
	}
	return *doc.Summary, true
}

// Contents returns everything held for the campaign.
func (s *RedisStore) Contents(ctx context.Context, campaignID string) Contents {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	out := Contents{Memory: make(map[string][]MemoryEntry)}
	doc, err := s.loadDoc(ctx, campaignID)
	if err != nil {
		s.warn("load layers failed", campaignID, err)
		return out
	}
	out.Layers, out.Summary = doc.Layers, doc.Summary

	sessions, err := s.rdb.SMembers(ctx, sessionsKey(campaignID)).Result()
	if err != nil {
		s.warn("list sessions failed", campaignID, err)
		return out
	}
	for _, id := range sessions {
		var entries []MemoryEntry
		if err := s.getJSON(ctx, memoryKey(campaignID, id), &entries); err != nil {
			s.warn("load memory failed", campaignID, err)
			continue
		}
		out.Memory[id] = entries
	}
	return out
}
