package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"senpai/pkg/senpai/character"
	"senpai/pkg/senpai/llm"
	"senpai/pkg/senpai/store"
)

// defaultContextMessages caps how much history is replayed to the model.
const defaultContextMessages = 10

// dummyToolCallID stands in for tool messages persisted without their
// original call ID. The API requires the field to be present.
const dummyToolCallID = "dummy_tool_call_id"

// ContextBuilder assembles the model prompt for a conversation: the
// character's system prompt plus a bounded window of recent history.
type ContextBuilder struct {
	store  *store.Store
	limit  int
	logger *slog.Logger
}

// NewContextBuilder creates a builder. A non-positive limit falls back
// to the default window.
func NewContextBuilder(st *store.Store, limit int, logger *slog.Logger) *ContextBuilder {
	if limit <= 0 {
		limit = defaultContextMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		store:  st,
		limit:  limit,
		logger: logger.With("component", "context"),
	}
}

// Build loads the conversation and returns the message sequence for the
// model: one system message followed by the most recent history in
// chronological order. An unknown character on the conversation is a
// hard error; a missing linked task is tolerated and simply omitted.
func (b *ContextBuilder) Build(ctx context.Context, conversationID string) ([]llm.Message, error) {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	profile, ok := character.Lookup(conv.Character)
	if !ok {
		return nil, serviceErrorf(CodeCharacterNotFound,
			"character %q not found", conv.Character)
	}

	var task *store.Task
	if conv.TaskID != "" {
		t, err := b.store.GetTask(ctx, conv.TaskID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			b.logger.Warn("conversation references missing task, omitting from context",
				"conversation", conv.ID, "task", conv.TaskID)
		case err != nil:
			return nil, fmt.Errorf("loading linked task: %w", err)
		default:
			task = t
		}
	}

	messages := []llm.Message{{
		Role:    "system",
		Content: b.systemPrompt(profile, conv, task),
	}}

	history := conv.Messages
	if len(history) > b.limit {
		history = history[len(history)-b.limit:]
	}
	for i := range history {
		messages = append(messages, toLLMMessage(&history[i]))
	}
	return messages, nil
}

// systemPrompt renders the character persona plus the live conversation
// facts the character should know about.
func (b *ContextBuilder) systemPrompt(profile character.Profile, conv *store.Conversation, task *store.Task) string {
	var sb strings.Builder
	sb.WriteString(profile.Persona)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "現在のプレッシャーレベル: %d/5 (%s)\n",
		conv.PressureLevel, pressureDescription(conv.PressureLevel))
	fmt.Fprintf(&sb, "ユーザーとの関係値: %d/100 (%s)\n",
		conv.RelationshipScore, relationshipDescription(conv.RelationshipScore))

	if task != nil {
		sb.WriteString("\n現在話題にしているタスク:\n")
		fmt.Fprintf(&sb, "- タイトル: %s\n", task.Title)
		if task.Description != "" {
			fmt.Fprintf(&sb, "- 詳細: %s\n", task.Description)
		}
		fmt.Fprintf(&sb, "- 進捗: %d%%\n", task.Progress)
		fmt.Fprintf(&sb, "- ステータス: %s\n", task.Status)
		if task.Deadline != nil {
			fmt.Fprintf(&sb, "- 締切: %s\n", task.Deadline.Format("2006-01-02"))
		}
	}
	return sb.String()
}

// pressureDescription maps a pressure level to the tone the character
// takes when nudging the user.
func pressureDescription(level int) string {
	switch {
	case level <= 1:
		return "とても優しく、急かさない"
	case level == 2:
		return "穏やかに様子を聞く"
	case level == 3:
		return "適度に進捗を確認する"
	case level == 4:
		return "積極的に進捗を求める"
	default:
		return "厳しく、強めに催促する"
	}
}

// relationshipDescription maps the relationship score to the closeness
// the character shows.
func relationshipDescription(score int) string {
	switch {
	case score < 20:
		return "まだ距離がある"
	case score < 40:
		return "少し打ち解けてきた"
	case score < 60:
		return "普通の距離感"
	case score < 80:
		return "親しい間柄"
	default:
		return "とても親密"
	}
}

// toLLMMessage maps a stored message onto the API shape. Tool messages
// always carry a call ID; a dummy stands in when the original was not
// recorded, because the API rejects tool messages without one.
func toLLMMessage(m *store.ConversationMessage) llm.Message {
	out := llm.Message{
		Role:    strings.ToLower(string(m.Role)),
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	if out.Role == "tool" {
		out.ToolCallID = m.ToolCallID
		if out.ToolCallID == "" {
			out.ToolCallID = dummyToolCallID
		}
	}
	return out
}
