// Package bot implements the conversation orchestration core: engagement
// gating, context assembly, command interpretation, and the streamed
// response loop that ties the channel, the model, and the store together.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"senpai/pkg/senpai/channels"
	"senpai/pkg/senpai/character"
	"senpai/pkg/senpai/llm"
	"senpai/pkg/senpai/store"
)

// apologyMessage is sent whenever handling fails. The orchestrator never
// lets an error propagate to the event loop.
const apologyMessage = "ごめんなさい、ちょっと調子が悪いみたいです…。もう一度話しかけてもらえますか？"

// closingMessage is appended when the conversation winds down.
const closingMessage = "それじゃあ、また進捗教えてくださいね。"

// timeoutMessage announces a silence-forced wind-down before the next
// exchange is handled.
const timeoutMessage = "タイムアウトにより会話を終了します。"

// chatRelationshipDelta is the rapport gained per completed exchange.
const chatRelationshipDelta = 1

// SendFunc delivers one outgoing message to wherever the exchange is
// taking place.
type SendFunc func(ctx context.Context, message *channels.OutgoingMessage) error

// Orchestrator is the top-level control loop for inbound chat messages.
type Orchestrator struct {
	store       *store.Store
	model       LanguageModel
	states      *StateTracker
	contexts    *ContextBuilder
	interpreter *Interpreter
	classifier  *Classifier
	logger      *slog.Logger
}

// NewOrchestrator wires the orchestration core together.
func NewOrchestrator(st *store.Store, model LanguageModel, cfg ConversationConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutMinutes) * time.Minute
	monitoring := time.Duration(cfg.MonitoringMinutes) * time.Minute

	return &Orchestrator{
		store:       st,
		model:       model,
		states:      NewStateTracker(timeout, monitoring, logger),
		contexts:    NewContextBuilder(st, cfg.ContextMessages, logger),
		interpreter: NewInterpreter(model, logger),
		classifier:  NewClassifier(model, logger),
		logger:      logger.With("component", "orchestrator"),
	}
}

// States exposes the tracker for command handlers that end conversations.
func (o *Orchestrator) States() *StateTracker { return o.states }

// HandleMessage processes one inbound message end to end. It never
// returns an error: failures are logged and answered with an apology.
func (o *Orchestrator) HandleMessage(ctx context.Context, ch channels.Channel, msg *channels.IncomingMessage) {
	send := func(ctx context.Context, m *channels.OutgoingMessage) error {
		return ch.Send(ctx, msg.ChatID, m)
	}
	if !o.shouldEngage(ctx, msg, send) {
		return
	}

	if presence, ok := ch.(channels.PresenceChannel); ok {
		if err := presence.SendTyping(ctx, msg.ChatID); err != nil {
			o.logger.Debug("typing indicator failed", "chat", msg.ChatID, "error", err)
		}
	}

	if err := o.Converse(ctx, msg.ChatID, msg.From, msg.Content, send); err != nil {
		o.logger.Error("message handling failed",
			"chat", msg.ChatID, "user", msg.From, "error", err)
		if sendErr := send(ctx, &channels.OutgoingMessage{Content: apologyMessage}); sendErr != nil {
			o.logger.Error("apology send failed", "chat", msg.ChatID, "error", sendErr)
		}
	}
}

// shouldEngage applies the engagement state machine: idle channels need
// a mention, active channels always engage (after a silence check that
// can force a wind-down first), monitoring channels engage on a mention
// or a should-respond verdict. A forced wind-down announces itself on
// the channel before the message is re-gated.
func (o *Orchestrator) shouldEngage(ctx context.Context, msg *channels.IncomingMessage, send SendFunc) bool {
	state := o.states.Get(msg.ChatID)
	status := state.Status

	if status == EngagementActive && o.states.TimedOut(msg.ChatID) {
		o.logger.Info("conversation timed out, winding down before handling",
			"chat", msg.ChatID)
		o.states.EndConversation(msg.ChatID)
		if err := send(ctx, &channels.OutgoingMessage{Content: timeoutMessage}); err != nil {
			o.logger.Warn("timeout notice send failed", "chat", msg.ChatID, "error", err)
		}
		status = EngagementMonitoring
	}

	switch status {
	case EngagementActive:
		return true
	case EngagementInactive:
		return msg.Mentioned
	case EngagementMonitoring:
		if msg.Mentioned {
			return true
		}
		var history []llm.Message
		if state.ConversationID != "" {
			h, err := o.contexts.Build(ctx, state.ConversationID)
			if err != nil {
				o.logger.Warn("history unavailable for should-respond check",
					"conversation", state.ConversationID, "error", err)
			} else {
				history = h
			}
		}
		return o.classifier.ShouldRespond(ctx, history, msg.Content, llm.Options{})
	default:
		return false
	}
}

// Converse runs the full exchange for one approved message: resolve the
// user and conversation, persist the inbound text, try to interpret a
// task command, stream and deliver the character's reply, then decide
// whether the conversation has wrapped up.
func (o *Orchestrator) Converse(ctx context.Context, chatID, userID, content string, send SendFunc) error {
	user, err := o.store.UpsertUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	if user.ActiveCharacter == "" {
		user, err = o.store.SetActiveCharacter(ctx, user.ID, character.Default)
		if err != nil {
			return fmt.Errorf("assigning default character: %w", err)
		}
	}

	conv, err := o.resolveConversation(ctx, user)
	if err != nil {
		return err
	}
	o.states.StartConversation(chatID, conv.ID)

	// Inbound first, so the model always sees the triggering message.
	if _, err := o.store.AddMessage(ctx, conv.ID, store.AddMessageInput{
		Role:    store.RoleUser,
		Content: content,
	}); err != nil {
		return fmt.Errorf("persisting inbound message: %w", err)
	}

	opts := generationOptions(user.ActiveCharacter)

	cmd, err := o.interpreter.Interpret(ctx, content, opts)
	switch {
	case err == nil:
		if err := o.executeCommand(ctx, user, conv, cmd); err != nil {
			return err
		}
	case errors.Is(err, ErrNoCommand):
		// Plain conversation.
	default:
		o.logger.Warn("command interpretation failed, continuing as chat",
			"chat", chatID, "error", err)
	}

	reply, err := o.streamReply(ctx, send, conv.ID, opts)
	if err != nil {
		return err
	}

	if _, err := o.store.AdjustRelationshipScore(ctx, conv.ID, chatRelationshipDelta); err != nil {
		o.logger.Warn("relationship adjustment failed", "conversation", conv.ID, "error", err)
	}
	if _, err := o.store.RecordInteraction(ctx, store.RecordInteractionInput{
		UserID:    user.ID,
		Character: user.ActiveCharacter,
		Type:      store.InteractionGeneralChat,
	}); err != nil {
		o.logger.Warn("interaction record failed", "user", user.ID, "error", err)
	}

	if o.classifier.ConversationEnded(ctx, nil, reply, llm.Options{}) {
		o.states.EndConversation(chatID)
		if err := send(ctx, &channels.OutgoingMessage{Content: closingMessage}); err != nil {
			o.logger.Warn("closing notice send failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// resolveConversation returns the user's most recent conversation, or
// starts a new one bound to their active character.
func (o *Orchestrator) resolveConversation(ctx context.Context, user *store.User) (*store.Conversation, error) {
	conv, err := o.store.LatestConversationByUser(ctx, user.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		conv, err = o.store.CreateConversation(ctx, store.CreateConversationInput{
			UserID:        user.ID,
			Character:     user.ActiveCharacter,
			PressureLevel: user.PressureLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("starting conversation: %w", err)
		}
		return conv, nil
	case err != nil:
		return nil, fmt.Errorf("resolving conversation: %w", err)
	default:
		return conv, nil
	}
}

// streamReply builds the prompt, drains the model stream, persists the
// accumulated assistant message, and then delivers it in a single send.
// Persistence strictly precedes the send: a failed send leaves the reply
// recoverable from history, a skipped persist would not.
func (o *Orchestrator) streamReply(ctx context.Context, send SendFunc, conversationID string, opts llm.Options) (string, error) {
	prompt, err := o.contexts.Build(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("building context: %w", err)
	}

	stream, err := o.model.ChatStream(ctx, prompt, opts)
	if err != nil {
		return "", fmt.Errorf("opening stream: %w", err)
	}
	for range stream.Chunks() {
		// Chunks are only accumulated; nothing is persisted or sent
		// per-chunk.
	}
	resp, err := stream.Wait()
	if err != nil {
		return "", fmt.Errorf("streaming reply: %w", err)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("model returned an empty reply")
	}

	if _, err := o.store.AddMessage(ctx, conversationID, store.AddMessageInput{
		Role:    store.RoleAssistant,
		Content: resp.Content,
	}); err != nil {
		return "", fmt.Errorf("persisting reply: %w", err)
	}
	if err := send(ctx, &channels.OutgoingMessage{Content: resp.Content}); err != nil {
		return "", fmt.Errorf("sending reply: %w", err)
	}
	return resp.Content, nil
}

// executeCommand applies one interpreted command to the store and
// records the tool round-trip in the conversation so the follow-up reply
// can speak to the result in character.
func (o *Orchestrator) executeCommand(ctx context.Context, user *store.User, conv *store.Conversation, cmd *InterpretedCommand) error {
	var (
		result         string
		interaction    store.InteractionType
		interactionCtx json.RawMessage
		args           string
	)

	switch cmd.Kind {
	case CommandCreateTask:
		c := cmd.CreateTask
		task, err := o.store.CreateTask(ctx, store.CreateTaskInput{
			UserID:      user.ID,
			Title:       c.Title,
			Description: c.Description,
			Deadline:    c.Deadline,
			Priority:    c.Priority,
		})
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		if task.Deadline != nil {
			if _, err := o.store.CreateDefaultReminders(ctx, task.ID); err != nil {
				o.logger.Warn("default reminders failed", "task", task.ID, "error", err)
			}
		}
		if _, err := o.store.UpdateConversation(ctx, conv.ID, store.UpdateConversationInput{TaskID: &task.ID}); err != nil {
			o.logger.Warn("linking task to conversation failed", "task", task.ID, "error", err)
		}
		result = fmt.Sprintf("タスク「%s」を登録しました", task.Title)
		if task.Deadline != nil {
			result += fmt.Sprintf("（締切: %s）", task.Deadline.Format("2006-01-02"))
		}
		interaction = store.InteractionTaskCreation
		interactionCtx, _ = json.Marshal(map[string]string{"task_id": task.ID, "title": task.Title})
		args = marshalArgs(map[string]any{"title": c.Title})

	case CommandUpdateProgress:
		c := cmd.UpdateProgress
		task, err := o.findTaskByTitle(ctx, user.ID, c.TaskTitle)
		if err != nil {
			return err
		}
		updated, err := o.store.UpdateProgress(ctx, task.ID, c.Progress)
		if err != nil {
			return fmt.Errorf("updating progress: %w", err)
		}
		result = fmt.Sprintf("タスク「%s」の進捗を %d%% に更新しました（ステータス: %s）",
			updated.Title, updated.Progress, updated.Status)
		interaction = store.InteractionProgressUpdate
		interactionCtx, _ = json.Marshal(map[string]any{"task_id": task.ID, "progress": c.Progress})
		args = marshalArgs(map[string]any{"task_title": c.TaskTitle, "progress": c.Progress})

	case CommandCompleteTask:
		c := cmd.CompleteTask
		task, err := o.findTaskByTitle(ctx, user.ID, c.TaskTitle)
		if err != nil {
			return err
		}
		if _, err := o.store.CompleteTask(ctx, task.ID); err != nil {
			return fmt.Errorf("completing task: %w", err)
		}
		result = fmt.Sprintf("タスク「%s」を完了にしました。お疲れさまです！", task.Title)
		interaction = store.InteractionTaskCompletion
		interactionCtx, _ = json.Marshal(map[string]string{"task_id": task.ID})
		args = marshalArgs(map[string]any{"task_title": c.TaskTitle})

	case CommandAdjustPressure:
		c := cmd.AdjustPressure
		if _, err := o.store.SetPressureLevel(ctx, user.ID, c.Level); err != nil {
			if errors.Is(err, store.ErrInvalidPressureLevel) {
				return serviceErrorf(CodeInvalidPressureLevel,
					"pressure level %d out of range 1-5", c.Level)
			}
			return fmt.Errorf("adjusting pressure: %w", err)
		}
		if _, err := o.store.UpdateConversation(ctx, conv.ID, store.UpdateConversationInput{PressureLevel: &c.Level}); err != nil {
			o.logger.Warn("conversation pressure update failed", "conversation", conv.ID, "error", err)
		}
		result = fmt.Sprintf("プレッシャーレベルを %d に変更しました", c.Level)
		interaction = store.InteractionPressure
		interactionCtx, _ = json.Marshal(map[string]int{"level": c.Level})
		args = marshalArgs(map[string]any{"level": c.Level})
	}

	// Record the tool round-trip so the streamed follow-up reply sees
	// both the call and its outcome.
	if _, err := o.store.AddMessage(ctx, conv.ID, store.AddMessageInput{
		Role: store.RoleAssistant,
		ToolCalls: []store.ToolCallRecord{{
			ID:        cmd.CallID,
			Name:      string(cmd.Kind),
			Arguments: args,
		}},
	}); err != nil {
		return fmt.Errorf("persisting tool call: %w", err)
	}
	if _, err := o.store.AddMessage(ctx, conv.ID, store.AddMessageInput{
		Role:       store.RoleTool,
		Content:    result,
		ToolCallID: cmd.CallID,
	}); err != nil {
		return fmt.Errorf("persisting tool result: %w", err)
	}

	if _, err := o.store.RecordInteraction(ctx, store.RecordInteractionInput{
		UserID:    user.ID,
		Character: user.ActiveCharacter,
		Type:      interaction,
		Context:   interactionCtx,
	}); err != nil {
		o.logger.Warn("interaction record failed", "user", user.ID, "error", err)
	}

	o.logger.Info("command executed", "kind", cmd.Kind, "user", user.ID)
	return nil
}

// findTaskByTitle matches a model-reported task title against the user's
// open tasks: exact match first, then case-insensitive substring.
func (o *Orchestrator) findTaskByTitle(ctx context.Context, userID, title string) (*store.Task, error) {
	tasks, err := o.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Title == title {
			return t, nil
		}
	}
	lower := strings.ToLower(title)
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), lower) ||
			strings.Contains(lower, strings.ToLower(t.Title)) {
			return t, nil
		}
	}
	return nil, serviceErrorf(CodeTaskNotFound, "no task matching %q", title)
}

// generationOptions returns the per-character model parameters.
func generationOptions(cid character.ID) llm.Options {
	gen := character.Generation(cid)
	return llm.Options{
		Model:           gen.Model,
		Temperature:     gen.Temperature,
		PresencePenalty: gen.PresencePenalty,
	}
}

func marshalArgs(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
