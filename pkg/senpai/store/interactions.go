package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"senpai/pkg/senpai/character"
)

// RecordInteractionInput holds the fields for a new interaction log entry.
type RecordInteractionInput struct {
	UserID    string
	Character character.ID
	Type      InteractionType
	Context   json.RawMessage // opaque; stored verbatim
}

// InteractionSummary aggregates a user's interaction history with one
// character.
type InteractionSummary struct {
	TotalInteractions int
	LastInteraction   *time.Time
	TypeCounts        map[InteractionType]int
}

// RecordInteraction appends an interaction log entry. The user must exist;
// entries are never mutated afterwards.
func (s *Store) RecordInteraction(ctx context.Context, input RecordInteractionInput) (*Interaction, error) {
	if !ValidInteractionType(input.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInteractionType, input.Type)
	}
	if _, err := s.GetUser(ctx, input.UserID); err != nil {
		return nil, fmt.Errorf("interaction user: %w", err)
	}

	contextJSON := input.Context
	if len(contextJSON) == 0 {
		contextJSON = json.RawMessage(`{}`)
	}

	rec := &Interaction{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		Character: input.Character,
		Type:      input.Type,
		Context:   contextJSON,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO character_interactions (id, user_id, character_id, interaction_type, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(rec.Character), string(rec.Type),
		string(contextJSON), encodeTime(rec.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("record interaction: %w", err)
	}
	return rec, nil
}

// InteractionHistory returns the user's interactions with one character
// (newest first) plus an aggregate summary.
func (s *Store) InteractionHistory(ctx context.Context, userID string, cid character.ID) ([]*Interaction, *InteractionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, character_id, interaction_type, context, created_at
		FROM character_interactions
		WHERE user_id = ? AND character_id = ?
		ORDER BY created_at DESC`, userID, string(cid))
	if err != nil {
		return nil, nil, fmt.Errorf("interaction history: %w", err)
	}
	defer rows.Close()

	summary := &InteractionSummary{TypeCounts: make(map[InteractionType]int)}
	var entries []*Interaction
	for rows.Next() {
		var (
			rec       Interaction
			charID    string
			itype     string
			contextJS string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &charID, &itype, &contextJS, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan interaction: %w", err)
		}
		rec.Character = character.ID(charID)
		rec.Type = InteractionType(itype)
		rec.Context = json.RawMessage(contextJS)
		rec.CreatedAt = decodeTime(createdAt)
		entries = append(entries, &rec)

		summary.TotalInteractions++
		summary.TypeCounts[rec.Type]++
		if summary.LastInteraction == nil || rec.CreatedAt.After(*summary.LastInteraction) {
			t := rec.CreatedAt
			summary.LastInteraction = &t
		}
	}
	return entries, summary, rows.Err()
}
