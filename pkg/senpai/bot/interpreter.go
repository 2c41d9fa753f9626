package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"senpai/pkg/senpai/llm"
	"senpai/pkg/senpai/store"
)

// LanguageModel is the slice of the model client the orchestration layer
// needs. Satisfied by *llm.Client; tests substitute fakes.
type LanguageModel interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (*llm.Response, error)
	CallFunctions(ctx context.Context, messages []llm.Message, fns []llm.FunctionDef, opts llm.Options) (*llm.Response, error)
	ChatStream(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Stream, error)
}

// ErrNoCommand is returned when the model produced no function call for
// a message. Callers fall back to plain conversation.
var ErrNoCommand = &ServiceError{
	Code:    CodeNoCommandInterpreted,
	Message: "no command interpreted from message",
}

// CommandKind identifies which structured command was interpreted.
type CommandKind string

const (
	CommandCreateTask     CommandKind = "create_task"
	CommandUpdateProgress CommandKind = "update_progress"
	CommandCompleteTask   CommandKind = "complete_task"
	CommandAdjustPressure CommandKind = "adjust_pressure"
)

// InterpretedCommand is one structured command extracted from free-form
// chat. Exactly one payload field is set, matching Kind.
type InterpretedCommand struct {
	Kind CommandKind

	// CallID is the model's tool call identifier, kept so the follow-up
	// tool result message can reference it.
	CallID string

	CreateTask     *CreateTaskCommand
	UpdateProgress *UpdateProgressCommand
	CompleteTask   *CompleteTaskCommand
	AdjustPressure *AdjustPressureCommand
}

// CreateTaskCommand creates a task from chat.
type CreateTaskCommand struct {
	Title       string
	Description string
	Deadline    *time.Time
	Priority    store.TaskPriority
}

// UpdateProgressCommand reports progress on a task named in chat.
type UpdateProgressCommand struct {
	TaskTitle string
	Progress  int
}

// CompleteTaskCommand marks a task named in chat as done.
type CompleteTaskCommand struct {
	TaskTitle string
}

// AdjustPressureCommand changes how hard the character pushes.
type AdjustPressureCommand struct {
	Level int
}

// Interpreter extracts structured task commands from chat messages via
// model function calling.
type Interpreter struct {
	model  LanguageModel
	now    func() time.Time
	logger *slog.Logger
}

// NewInterpreter creates an interpreter on the given model.
func NewInterpreter(model LanguageModel, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		model:  model,
		now:    time.Now,
		logger: logger.With("component", "interpreter"),
	}
}

// commandSchemas are the function definitions offered to the model.
func commandSchemas() []llm.FunctionDef {
	return []llm.FunctionDef{
		{
			Name:        string(CommandCreateTask),
			Description: "ユーザーが新しいタスク・課題・やるべきことについて話したときに呼び出す",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "description": "タスクのタイトル"},
					"description": {"type": "string", "description": "タスクの詳細"},
					"deadline": {"type": "string", "description": "締切日 (YYYY-MM-DD)"},
					"priority": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH"]}
				},
				"required": ["title"]
			}`),
		},
		{
			Name:        string(CommandUpdateProgress),
			Description: "ユーザーがタスクの進捗を報告したときに呼び出す",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_title": {"type": "string", "description": "対象タスクのタイトル"},
					"progress": {"type": "integer", "minimum": 0, "maximum": 100}
				},
				"required": ["task_title", "progress"]
			}`),
		},
		{
			Name:        string(CommandCompleteTask),
			Description: "ユーザーがタスクを完了したと報告したときに呼び出す",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_title": {"type": "string", "description": "対象タスクのタイトル"}
				},
				"required": ["task_title"]
			}`),
		},
		{
			Name:        string(CommandAdjustPressure),
			Description: "ユーザーがもっと優しく/厳しくしてほしいと伝えたときに呼び出す",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"level": {"type": "integer", "minimum": 1, "maximum": 5}
				},
				"required": ["level"]
			}`),
		},
	}
}

// Interpret asks the model whether the message carries a task command.
// When the model returns multiple calls only the first is honored; the
// rest are logged and dropped. ErrNoCommand means plain conversation.
func (i *Interpreter) Interpret(ctx context.Context, text string, opts llm.Options) (*InterpretedCommand, error) {
	today := i.now().Format("2006-01-02")
	messages := []llm.Message{
		{
			Role: "system",
			Content: fmt.Sprintf(
				"あなたはユーザーのメッセージからタスク管理コマンドを抽出するアシスタントです。"+
					"今日の日付は %s です。相対的な日付表現（明日、来週など）はこの日付を基準に解決してください。"+
					"タスクに関係のない雑談にはコマンドを抽出しないでください。", today),
		},
		{Role: "user", Content: text},
	}

	resp, err := i.model.CallFunctions(ctx, messages, commandSchemas(), opts)
	if err != nil {
		return nil, fmt.Errorf("interpreting message: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		return nil, ErrNoCommand
	}
	if len(resp.ToolCalls) > 1 {
		i.logger.Warn("model returned multiple commands, keeping the first",
			"count", len(resp.ToolCalls))
	}

	call := resp.ToolCalls[0]
	cmd, err := i.parseCall(call)
	if err != nil {
		return nil, err
	}

	i.logger.Info("command interpreted", "kind", cmd.Kind)
	return cmd, nil
}

func (i *Interpreter) parseCall(call llm.ToolCall) (*InterpretedCommand, error) {
	cmd := &InterpretedCommand{
		Kind:   CommandKind(call.Function.Name),
		CallID: call.ID,
	}

	switch cmd.Kind {
	case CommandCreateTask:
		var args struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Deadline    string `json:"deadline"`
			Priority    string `json:"priority"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parsing create_task arguments: %w", err)
		}
		create := &CreateTaskCommand{
			Title:       args.Title,
			Description: args.Description,
		}
		if args.Priority != "" && store.ValidPriority(store.TaskPriority(args.Priority)) {
			create.Priority = store.TaskPriority(args.Priority)
		}
		if args.Deadline != "" {
			d := i.normalizeDeadline(args.Deadline)
			create.Deadline = &d
		}
		cmd.CreateTask = create

	case CommandUpdateProgress:
		var args struct {
			TaskTitle string `json:"task_title"`
			Progress  int    `json:"progress"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parsing update_progress arguments: %w", err)
		}
		cmd.UpdateProgress = &UpdateProgressCommand{
			TaskTitle: args.TaskTitle,
			Progress:  args.Progress,
		}

	case CommandCompleteTask:
		var args struct {
			TaskTitle string `json:"task_title"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parsing complete_task arguments: %w", err)
		}
		cmd.CompleteTask = &CompleteTaskCommand{TaskTitle: args.TaskTitle}

	case CommandAdjustPressure:
		var args struct {
			Level int `json:"level"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("parsing adjust_pressure arguments: %w", err)
		}
		cmd.AdjustPressure = &AdjustPressureCommand{Level: args.Level}

	default:
		return nil, serviceErrorf(CodeNoCommandInterpreted,
			"model called unknown function %q", call.Function.Name)
	}

	return cmd, nil
}

// normalizeDeadline parses a YYYY-MM-DD deadline. Unparseable or past
// dates collapse to today so a model hallucination never creates a task
// that is already overdue.
func (i *Interpreter) normalizeDeadline(raw string) time.Time {
	now := i.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	parsed, err := time.ParseInLocation("2006-01-02", raw, now.Location())
	if err != nil {
		i.logger.Warn("unparseable deadline from model, using today", "raw", raw)
		return today
	}
	if parsed.Before(today) {
		i.logger.Warn("past deadline from model, using today", "raw", raw)
		return today
	}
	return parsed
}
