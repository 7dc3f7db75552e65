package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-loom/internal/layer"
	"go.uber.org/zap"
)

// Neo4j archives pruned layers as graph nodes linked to their campaign
// and to the characters they mention.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j creates a Neo4j-backed archive.
func NewNeo4j(uri, user, password string, logger *zap.Logger) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4j{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (a *Neo4j) Ping(ctx context.Context) error {
	return a.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (a *Neo4j) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// EnsureSchema creates the archive's uniqueness constraint.
func (a *Neo4j) EnsureSchema(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT archived_layer_id IF NOT EXISTS
		 FOR (l:ArchivedLayer) REQUIRE l.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create archive constraint: %w", err)
	}
	return nil
}

// Store implements Archive.
func (a *Neo4j) Store(ctx context.Context, campaignID string, layers []layer.Layer) error {
	if len(layers) == 0 {
		return nil
	}
	rows := make([]map[string]interface{}, len(layers))
	for i, l := range layers {
		rows[i] = map[string]interface{}{
			"id":          l.ID,
			"kind":        string(l.Kind),
			"text":        l.Text,
			"importance":  int64(l.Importance),
			"tokens":      int64(l.TokenEstimate),
			"tags":        l.Tags,
			"characters":  l.CharacterIDs,
			"storyBeatId": l.StoryBeatID,
			"questId":     l.QuestID,
			"seq":         l.Seq,
			"createdAt":   l.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (c:Campaign {id: $campaignId})
		 WITH c
		 UNWIND $layers AS row
		 MERGE (l:ArchivedLayer {id: row.id})
		 SET l.campaign_id = $campaignId, l.kind = row.kind, l.text = row.text,
		     l.importance = row.importance, l.tokens = row.tokens, l.tags = row.tags,
		     l.character_ids = row.characters, l.story_beat_id = row.storyBeatId,
		     l.quest_id = row.questId, l.seq = row.seq,
		     l.created_at = row.createdAt, l.archived_at = datetime()
		 MERGE (l)-[:PRUNED_FROM]->(c)
		 FOREACH (cid IN row.characters |
		     MERGE (ch:Character {id: cid, campaign_id: $campaignId})
		     MERGE (l)-[:MENTIONS]->(ch))`,
		map[string]interface{}{
			"campaignId": campaignID,
			"layers":     rows,
		})
	if err != nil {
		return fmt.Errorf("archive layers: %w", err)
	}
	a.logger.Debug("archived layers",
		zap.String("campaign", campaignID),
		zap.Int("count", len(layers)))
	return nil
}

// Recall implements Archive.
func (a *Neo4j) Recall(ctx context.Context, campaignID string, limit int) ([]layer.Layer, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (l:ArchivedLayer {campaign_id: $campaignId})
		 RETURN l.id AS id, l.kind AS kind, l.text AS text, l.importance AS importance,
		        l.tokens AS tokens, l.tags AS tags, l.character_ids AS characters,
		        l.story_beat_id AS storyBeatId, l.quest_id AS questId,
		        l.seq AS seq, l.created_at AS createdAt
		 ORDER BY l.importance DESC, l.created_at DESC
		 LIMIT $limit`,
		map[string]interface{}{"campaignId": campaignID, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("recall layers: %w", err)
	}

	var out []layer.Layer
	for result.Next(ctx) {
		out = append(out, recordToLayer(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read archived layers: %w", err)
	}
	sortRecalled(out)
	return out, nil
}

func recordToLayer(rec *neo4j.Record) layer.Layer {
	get := func(key string) interface{} {
		v, _ := rec.Get(key)
		return v
	}
	str := func(key string) string {
		s, _ := get(key).(string)
		return s
	}
	num := func(key string) int64 {
		n, _ := get(key).(int64)
		return n
	}
	strs := func(key string) []string {
		raw, _ := get(key).([]interface{})
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}

	created, _ := time.Parse(time.RFC3339Nano, str("createdAt"))
	return layer.Layer{
		ID:            str("id"),
		Kind:          layer.Kind(str("kind")),
		Text:          str("text"),
		Importance:    int(num("importance")),
		TokenEstimate: int(num("tokens")),
		Tags:          strs("tags"),
		CharacterIDs:  strs("characters"),
		StoryBeatID:   str("storyBeatId"),
		QuestID:       str("questId"),
		Seq:           num("seq"),
		CreatedAt:     created,
	}
}
