package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"senpai/pkg/senpai/channels"
	"senpai/pkg/senpai/llm"
	"senpai/pkg/senpai/store"
)

// fakeChannel records everything sent through it.
type fakeChannel struct {
	mu     sync.Mutex
	sent   []*channels.OutgoingMessage
	typing int
}

func (f *fakeChannel) Name() string                               { return "fake" }
func (f *fakeChannel) Connect(ctx context.Context) error          { return nil }
func (f *fakeChannel) Disconnect() error                          { return nil }
func (f *fakeChannel) IsConnected() bool                          { return true }
func (f *fakeChannel) Messages() <-chan *channels.IncomingMessage { return nil }
func (f *fakeChannel) Commands() <-chan *channels.CommandRequest  { return nil }

func (f *fakeChannel) Send(ctx context.Context, chatID string, m *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) SendTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeChannel) messages() []*channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*channels.OutgoingMessage(nil), f.sent...)
}

func newTestOrchestrator(t *testing.T, model LanguageModel) (*Orchestrator, *store.Store) {
	t.Helper()

	st := openTestStore(t)
	orch := NewOrchestrator(st, model, ConversationConfig{
		TimeoutMinutes:    10,
		MonitoringMinutes: 10,
		ContextMessages:   10,
	}, slog.Default())
	return orch, st
}

func inbound(chatID, content string, mentioned bool) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        "m1",
		Channel:   "fake",
		From:      "u1",
		ChatID:    chatID,
		Content:   content,
		Mentioned: mentioned,
	}
}

func TestHandleMessageIgnoresUnmentionedIdleChannel(t *testing.T) {
	model := &fakeModel{}
	orch, _ := newTestOrchestrator(t, model)
	ch := &fakeChannel{}

	orch.HandleMessage(context.Background(), ch, inbound("chan1", "おはよう", false))

	if got := ch.messages(); len(got) != 0 {
		t.Fatalf("idle channel without mention produced %d sends", len(got))
	}
	if model.callCount != 0 {
		t.Errorf("model was consulted %d times, want 0", model.callCount)
	}
}

func TestHandleMessageFullExchange(t *testing.T) {
	// No tool calls from the interpreter, false from the end classifier,
	// one streamed reply.
	model := &fakeModel{
		callResponses: []*llm.Response{
			{FinishReason: "stop"}, // interpreter: no command
			toolCallResponse(llm.ToolCall{ // end classifier: keep going
				ID:       "call_1",
				Function: llm.FunctionCall{Name: "is_conversation_end", Arguments: `{"shouldEnd":false}`},
			}),
		},
		streams: []*llm.Stream{llm.StaticStream("今日は", "何をやるんですか？")},
	}
	orch, st := newTestOrchestrator(t, model)
	ch := &fakeChannel{}
	ctx := context.Background()

	orch.HandleMessage(ctx, ch, inbound("chan1", "勉強はじめます", true))

	sent := ch.messages()
	if len(sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(sent))
	}
	if sent[0].Content != "今日は何をやるんですか？" {
		t.Errorf("reply = %q", sent[0].Content)
	}
	if ch.typing == 0 {
		t.Error("typing indicator was never sent")
	}

	if got := orch.States().Get("chan1").Status; got != EngagementActive {
		t.Errorf("engagement = %s, want ACTIVE", got)
	}

	// Both sides of the exchange are persisted.
	conv, err := st.LatestConversationByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestConversationByUser failed: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d stored messages, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != store.RoleUser || conv.Messages[0].Content != "勉強はじめます" {
		t.Errorf("first message = %+v", conv.Messages[0])
	}
	if conv.Messages[1].Role != store.RoleAssistant || conv.Messages[1].Content != "今日は何をやるんですか？" {
		t.Errorf("second message = %+v", conv.Messages[1])
	}
	if conv.RelationshipScore != 1 {
		t.Errorf("relationship score = %d, want 1 after one exchange", conv.RelationshipScore)
	}
}

func TestHandleMessageEndsConversationOnVerdict(t *testing.T) {
	model := &fakeModel{
		callResponses: []*llm.Response{
			{FinishReason: "stop"}, // interpreter: no command
			toolCallResponse(llm.ToolCall{ // end classifier: wrap up
				ID:       "call_1",
				Function: llm.FunctionCall{Name: "is_conversation_end", Arguments: `{"shouldEnd":true}`},
			}),
		},
		streams: []*llm.Stream{llm.StaticStream("また明日、頑張ってくださいね。")},
	}
	orch, _ := newTestOrchestrator(t, model)
	ch := &fakeChannel{}

	orch.HandleMessage(context.Background(), ch, inbound("chan1", "ありがとう、もう寝るね", true))

	sent := ch.messages()
	if len(sent) != 2 {
		t.Fatalf("got %d sends, want reply plus closing notice", len(sent))
	}
	if sent[1].Content != closingMessage {
		t.Errorf("closing notice = %q", sent[1].Content)
	}
	if got := orch.States().Get("chan1").Status; got != EngagementMonitoring {
		t.Errorf("engagement = %s, want MONITORING", got)
	}
}

func TestHandleMessageApologizesOnStreamFailure(t *testing.T) {
	model := &fakeModel{
		callResponses: []*llm.Response{{FinishReason: "stop"}},
		streams:       []*llm.Stream{llm.FailedStream(errors.New("upstream 500"))},
	}
	orch, st := newTestOrchestrator(t, model)
	ch := &fakeChannel{}
	ctx := context.Background()

	orch.HandleMessage(ctx, ch, inbound("chan1", "ねえ", true))

	sent := ch.messages()
	if len(sent) != 1 || sent[0].Content != apologyMessage {
		t.Fatalf("got %v, want a single apology", sent)
	}

	// The inbound message is persisted even though the reply failed.
	conv, err := st.LatestConversationByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestConversationByUser failed: %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Role != store.RoleUser {
		t.Errorf("stored messages = %+v, want the inbound message only", conv.Messages)
	}
}

func TestConversePersistsReplyBeforeSend(t *testing.T) {
	model := &fakeModel{
		callResponses: []*llm.Response{{FinishReason: "stop"}},
		streams:       []*llm.Stream{llm.StaticStream("返信です。")},
	}
	orch, st := newTestOrchestrator(t, model)
	ctx := context.Background()

	send := func(ctx context.Context, m *channels.OutgoingMessage) error {
		return channels.ErrSendFailed
	}
	err := orch.Converse(ctx, "chan1", "u1", "ねえ", send)
	if !errors.Is(err, channels.ErrSendFailed) {
		t.Fatalf("got %v, want the send failure to surface", err)
	}

	// The reply is recoverable from history even though delivery failed.
	conv, err := st.LatestConversationByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestConversationByUser failed: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d stored messages, want inbound plus reply", len(conv.Messages))
	}
	if conv.Messages[1].Role != store.RoleAssistant || conv.Messages[1].Content != "返信です。" {
		t.Errorf("stored reply = %+v", conv.Messages[1])
	}
}

func TestHandleMessageAnnouncesTimeoutWindDown(t *testing.T) {
	model := &fakeModel{
		callResponses: []*llm.Response{
			{FinishReason: "stop"}, // interpreter: no command
			toolCallResponse(llm.ToolCall{ // end classifier: keep going
				ID:       "call_1",
				Function: llm.FunctionCall{Name: "is_conversation_end", Arguments: `{"shouldEnd":false}`},
			}),
		},
		streams: []*llm.Stream{llm.StaticStream("おかえりなさい。")},
	}
	orch, _ := newTestOrchestrator(t, model)
	ch := &fakeChannel{}

	// An active conversation that has been silent past the timeout.
	base := time.Now()
	now := base
	orch.States().now = func() time.Time { return now }
	orch.States().StartConversation("chan1", "conv-old")
	now = base.Add(11 * time.Minute)

	orch.HandleMessage(context.Background(), ch, inbound("chan1", "ただいま", true))

	sent := ch.messages()
	if len(sent) != 2 {
		t.Fatalf("got %d sends, want timeout notice plus reply", len(sent))
	}
	if sent[0].Content != timeoutMessage {
		t.Errorf("first send = %q, want the timeout notice", sent[0].Content)
	}
	if sent[1].Content != "おかえりなさい。" {
		t.Errorf("second send = %q, want the reply", sent[1].Content)
	}
	if got := orch.States().Get("chan1").Status; got != EngagementActive {
		t.Errorf("engagement = %s, want ACTIVE after the revival", got)
	}
}

func TestConverseExecutesCreateTaskCommand(t *testing.T) {
	model := &fakeModel{
		callResponses: []*llm.Response{
			toolCallResponse(llm.ToolCall{ // interpreter: create_task
				ID: "call_9",
				Function: llm.FunctionCall{
					Name:      "create_task",
					Arguments: `{"title":"数学の宿題"}`,
				},
			}),
			toolCallResponse(llm.ToolCall{ // end classifier: keep going
				ID:       "call_10",
				Function: llm.FunctionCall{Name: "is_conversation_end", Arguments: `{"shouldEnd":false}`},
			}),
		},
		streams: []*llm.Stream{llm.StaticStream("登録しましたよ。ちゃんとやってくださいね。")},
	}
	orch, st := newTestOrchestrator(t, model)
	ch := &fakeChannel{}
	ctx := context.Background()

	send := func(ctx context.Context, m *channels.OutgoingMessage) error {
		return ch.Send(ctx, "chan1", m)
	}
	if err := orch.Converse(ctx, "chan1", "u1", "数学の宿題やらないと", send); err != nil {
		t.Fatalf("Converse failed: %v", err)
	}

	tasks, err := st.ListTasks(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "数学の宿題" {
		t.Fatalf("tasks = %+v, want the created task", tasks)
	}

	// The conversation history carries the tool round-trip: inbound,
	// assistant tool call, tool result, streamed reply.
	conv, err := st.LatestConversationByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestConversationByUser failed: %v", err)
	}
	if len(conv.Messages) != 4 {
		t.Fatalf("got %d stored messages, want 4", len(conv.Messages))
	}
	call := conv.Messages[1]
	if call.Role != store.RoleAssistant || len(call.ToolCalls) != 1 || call.ToolCalls[0].ID != "call_9" {
		t.Errorf("tool call message = %+v", call)
	}
	result := conv.Messages[2]
	if result.Role != store.RoleTool || result.ToolCallID != "call_9" {
		t.Errorf("tool result message = %+v", result)
	}
	if !strings.Contains(result.Content, "数学の宿題") {
		t.Errorf("tool result = %q, want it to name the task", result.Content)
	}
	if conv.TaskID != tasks[0].ID {
		t.Errorf("conversation task link = %q, want %q", conv.TaskID, tasks[0].ID)
	}
}

func TestConverseAssignsDefaultCharacter(t *testing.T) {
	model := &fakeModel{
		callResponses: []*llm.Response{
			{FinishReason: "stop"},
			toolCallResponse(llm.ToolCall{
				ID:       "call_1",
				Function: llm.FunctionCall{Name: "is_conversation_end", Arguments: `{"shouldEnd":false}`},
			}),
		},
		streams: []*llm.Stream{llm.StaticStream("はじめまして。")},
	}
	orch, st := newTestOrchestrator(t, model)
	ctx := context.Background()

	send := func(ctx context.Context, m *channels.OutgoingMessage) error { return nil }
	if err := orch.Converse(ctx, "chan1", "newbie", "はじめまして", send); err != nil {
		t.Fatalf("Converse failed: %v", err)
	}

	user, err := st.GetUser(ctx, "newbie")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ActiveCharacter == "" {
		t.Error("new user was not assigned a character")
	}
}

func TestFindTaskByTitleMatching(t *testing.T) {
	model := &fakeModel{}
	orch, st := newTestOrchestrator(t, model)
	ctx := context.Background()

	if _, err := st.UpsertUser(ctx, "u1"); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	created, err := st.CreateTask(ctx, store.CreateTaskInput{UserID: "u1", Title: "英語レポート提出"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// Exact match.
	if task, err := orch.findTaskByTitle(ctx, "u1", "英語レポート提出"); err != nil || task.ID != created.ID {
		t.Errorf("exact match failed: %v", err)
	}
	// Substring match.
	if task, err := orch.findTaskByTitle(ctx, "u1", "レポート"); err != nil || task.ID != created.ID {
		t.Errorf("substring match failed: %v", err)
	}
	// Miss.
	_, err = orch.findTaskByTitle(ctx, "u1", "筋トレ")
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Code != CodeTaskNotFound {
		t.Errorf("got %v, want %s service error", err, CodeTaskNotFound)
	}
}
