package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"senpai/pkg/senpai/character"
)

// CreateConversationInput holds the fields for a new conversation.
type CreateConversationInput struct {
	UserID            string
	Character         character.ID
	TaskID            string // optional
	PressureLevel     int
	RelationshipScore int
}

// AddMessageInput holds the fields for a new conversation message.
type AddMessageInput struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCallRecord
	Metadata   json.RawMessage
}

// UpdateConversationInput holds optional conversation field updates.
type UpdateConversationInput struct {
	PressureLevel *int
	TaskID        *string // set to "" to unlink
}

// CreateConversation starts a new persisted thread. The character must be
// registered; a linked task, when given, must exist.
func (s *Store) CreateConversation(ctx context.Context, input CreateConversationInput) (*Conversation, error) {
	if _, ok := character.Lookup(input.Character); !ok {
		return nil, fmt.Errorf("character %q: %w", input.Character, ErrNotFound)
	}
	if input.PressureLevel < 1 || input.PressureLevel > 5 {
		return nil, ErrInvalidPressureLevel
	}
	if input.TaskID != "" {
		if _, err := s.GetTask(ctx, input.TaskID); err != nil {
			return nil, fmt.Errorf("linked task: %w", err)
		}
	}

	now := time.Now()
	conv := &Conversation{
		ID:                uuid.NewString(),
		UserID:            input.UserID,
		Character:         input.Character,
		TaskID:            input.TaskID,
		PressureLevel:     input.PressureLevel,
		RelationshipScore: clampScore(input.RelationshipScore),
		LastInteractionAt: now,
		CreatedAt:         now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, character_id, task_id, pressure_level, relationship_score, last_interaction_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, string(conv.Character), conv.TaskID,
		conv.PressureLevel, conv.RelationshipScore,
		encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info("conversation started",
		"conversation_id", conv.ID, "user_id", conv.UserID, "character", conv.Character)
	return conv, nil
}

// GetConversation returns the conversation with its full message history in
// timestamp-ascending order, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, conversationSelect+` WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	conv.Messages, err = s.messagesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// LatestConversationByUser returns the user's most recently active
// conversation (messages included), or ErrNotFound when the user has none.
func (s *Store) LatestConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, conversationSelect+`
		WHERE user_id = ?
		ORDER BY last_interaction_at DESC
		LIMIT 1`, userID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	conv.Messages, err = s.messagesFor(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// AddMessage appends a message to the conversation and refreshes its
// last-interaction timestamp in one transaction. Messages are immutable
// once written.
func (s *Store) AddMessage(ctx context.Context, conversationID string, input AddMessageInput) (*ConversationMessage, error) {
	if !ValidRole(input.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, input.Role)
	}

	var toolCalls any
	if len(input.ToolCalls) > 0 {
		encoded, err := json.Marshal(input.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(encoded)
	}
	var metadata any
	if len(input.Metadata) > 0 {
		metadata = string(input.Metadata)
	}

	now := time.Now()
	msg := &ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           input.Role,
		Content:        input.Content,
		ToolCallID:     input.ToolCallID,
		ToolCalls:      input.ToolCalls,
		Metadata:       input.Metadata,
		Timestamp:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, role, content, tool_call_id, tool_calls, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, msg.ToolCallID,
		toolCalls, metadata, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_interaction_at = ? WHERE id = ?`,
		encodeTime(now), conversationID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add message: %w", err)
	}
	return msg, nil
}

// UpdateConversation applies the non-nil fields of input.
func (s *Store) UpdateConversation(ctx context.Context, id string, input UpdateConversationInput) (*Conversation, error) {
	if input.PressureLevel != nil && (*input.PressureLevel < 1 || *input.PressureLevel > 5) {
		return nil, ErrInvalidPressureLevel
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.PressureLevel != nil {
		conv.PressureLevel = *input.PressureLevel
	}
	if input.TaskID != nil {
		conv.TaskID = *input.TaskID
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET pressure_level = ?, task_id = ? WHERE id = ?`,
		conv.PressureLevel, conv.TaskID, id)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	return conv, nil
}

// AdjustRelationshipScore applies delta to the conversation's relationship
// score, clamping the result to [0, 100], and returns the new score.
func (s *Store) AdjustRelationshipScore(ctx context.Context, id string, delta int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin score adjust: %w", err)
	}
	defer tx.Rollback()

	var score int
	err = tx.QueryRowContext(ctx,
		`SELECT relationship_score FROM conversations WHERE id = ?`, id).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read relationship score: %w", err)
	}

	newScore := clampScore(score + delta)
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET relationship_score = ? WHERE id = ?`, newScore, id)
	if err != nil {
		return 0, fmt.Errorf("write relationship score: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit score adjust: %w", err)
	}
	return newScore, nil
}

// DeleteConversationsBefore removes conversations whose last interaction
// predates cutoff, returning the number removed. Message rows cascade.
func (s *Store) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE last_interaction_at < ?`, encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("old conversations removed", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}

func (s *Store) messagesFor(ctx context.Context, conversationID string) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_call_id, tool_calls, metadata, timestamp
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var msgs []ConversationMessage
	for rows.Next() {
		var (
			m         ConversationMessage
			role      string
			toolCalls *string
			metadata  *string
			ts        string
		)
		err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content,
			&m.ToolCallID, &toolCalls, &metadata, &ts)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if toolCalls != nil && *toolCalls != "" {
			if err := json.Unmarshal([]byte(*toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if metadata != nil && *metadata != "" {
			m.Metadata = json.RawMessage(*metadata)
		}
		m.Timestamp = decodeTime(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const conversationSelect = `
	SELECT id, user_id, character_id, task_id, pressure_level, relationship_score, last_interaction_at, created_at
	FROM conversations`

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c         Conversation
		charID    string
		lastAt    string
		createdAt string
	)
	err := row.Scan(&c.ID, &c.UserID, &charID, &c.TaskID,
		&c.PressureLevel, &c.RelationshipScore, &lastAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Character = character.ID(charID)
	c.LastInteractionAt = decodeTime(lastAt)
	c.CreatedAt = decodeTime(createdAt)
	return &c, nil
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
