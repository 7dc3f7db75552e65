package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-loom/internal/snapshot"
)

// Snapshot reads the campaign's domain state. A campaign with no rows
// yields an empty snapshot.
func (s *Store) Snapshot(ctx context.Context, campaignID string) (*snapshot.Snapshot, error) {
	out := &snapshot.Snapshot{CampaignID: campaignID}

	var beat snapshot.StoryBeat
	err := s.db.QueryRow(ctx, `
		SELECT id, title, description
		FROM story_beats
		WHERE campaign_id = $1 AND is_current
		ORDER BY updated_at DESC
		LIMIT 1`, campaignID,
	).Scan(&beat.ID, &beat.Title, &beat.Description)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query story beat: %w", err)
	default:
		out.StoryBeat = &beat
	}

	rows, err := s.db.Query(ctx, `
		SELECT character_id, name, development
		FROM character_developments
		WHERE campaign_id = $1
		ORDER BY position`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query character developments: %w", err)
	}
	out.Developments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (snapshot.CharacterDevelopment, error) {
		var d snapshot.CharacterDevelopment
		err := row.Scan(&d.CharacterID, &d.Name, &d.Development)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan character developments: %w", err)
	}

	err = s.db.QueryRow(ctx, `SELECT description FROM world_states WHERE campaign_id = $1`, campaignID).
		Scan(&out.WorldState)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query world state: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT description FROM world_changes
		WHERE campaign_id = $1
		ORDER BY position`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query world changes: %w", err)
	}
	out.WorldChanges, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan world changes: %w", err)
	}

	rows, err = s.db.Query(ctx, `
		SELECT id, title, status, progress
		FROM quests
		WHERE campaign_id = $1
		ORDER BY position`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query quests: %w", err)
	}
	out.Quests, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (snapshot.QuestProgress, error) {
		var q snapshot.QuestProgress
		err := row.Scan(&q.ID, &q.Title, &q.Status, &q.Progress)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan quests: %w", err)
	}
	return out, nil
}

// Save replaces the campaign's domain state in one transaction.
func (s *Store) Save(ctx context.Context, campaignID string, snap snapshot.Snapshot) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, table := range []string{"story_beats", "character_developments", "world_states", "world_changes", "quests"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE campaign_id = $1`, campaignID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		batch := &pgx.Batch{}
		if b := snap.StoryBeat; b != nil {
			batch.Queue(`
				INSERT INTO story_beats (campaign_id, id, title, description, is_current)
				VALUES ($1, $2, $3, $4, true)`,
				campaignID, b.ID, b.Title, b.Description)
		}
		for i, d := range snap.Developments {
			batch.Queue(`
				INSERT INTO character_developments (campaign_id, position, character_id, name, development)
				VALUES ($1, $2, $3, $4, $5)`,
				campaignID, i, d.CharacterID, d.Name, d.Development)
		}
		if snap.WorldState != "" {
			batch.Queue(`INSERT INTO world_states (campaign_id, description) VALUES ($1, $2)`,
				campaignID, snap.WorldState)
		}
		for i, c := range snap.WorldChanges {
			batch.Queue(`INSERT INTO world_changes (campaign_id, position, description) VALUES ($1, $2, $3)`,
				campaignID, i, c)
		}
		for i, q := range snap.Quests {
			batch.Queue(`
				INSERT INTO quests (campaign_id, position, id, title, status, progress)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				campaignID, i, q.ID, q.Title, q.Status, q.Progress)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		return nil
	})
}
