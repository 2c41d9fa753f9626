package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"senpai/pkg/senpai/channels"
	"senpai/pkg/senpai/character"
	"senpai/pkg/senpai/store"
)

// Embed accent colors.
const (
	colorSuccess = 0x57F287
	colorInfo    = 0x5865F2
	colorWarning = 0xFEE75C
)

// CommandHandler maps slash command invocations onto store and
// orchestrator operations.
type CommandHandler struct {
	store  *store.Store
	orch   *Orchestrator
	logger *slog.Logger
}

// NewCommandHandler creates the handler.
func NewCommandHandler(st *store.Store, orch *Orchestrator, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		store:  st,
		orch:   orch,
		logger: logger.With("component", "commands"),
	}
}

// Handle dispatches one slash command invocation. Validation failures
// reply with a specific message and mutate nothing; internal errors
// reply with a generic apology.
func (h *CommandHandler) Handle(ctx context.Context, req *channels.CommandRequest) {
	var err error
	switch req.Name + " " + req.Sub {
	case "task add":
		err = h.taskAdd(ctx, req)
	case "task list":
		err = h.taskList(ctx, req)
	case "task progress":
		err = h.taskProgress(ctx, req)
	case "task complete":
		err = h.taskComplete(ctx, req)
	case "chat talk":
		err = h.chatTalk(ctx, req)
	case "chat character":
		err = h.chatCharacter(ctx, req)
	case "chat pressure":
		err = h.chatPressure(ctx, req)
	case "chat debug":
		err = h.chatDebug(ctx, req)
	default:
		err = h.reply(ctx, req, "知らないコマンドです: /"+req.Name+" "+req.Sub)
	}

	if err != nil {
		h.logger.Error("command failed",
			"command", req.Name, "sub", req.Sub, "user", req.From, "error", err)
		if replyErr := h.reply(ctx, req, apologyMessage); replyErr != nil {
			h.logger.Error("command apology failed", "error", replyErr)
		}
	}
}

func (h *CommandHandler) reply(ctx context.Context, req *channels.CommandRequest, content string) error {
	return req.Respond(ctx, &channels.OutgoingMessage{Content: content})
}

// ---------- /task ----------

func (h *CommandHandler) taskAdd(ctx context.Context, req *channels.CommandRequest) error {
	title := strings.TrimSpace(req.Option("title"))
	if title == "" {
		return h.reply(ctx, req, "タイトルを指定してください。")
	}

	var deadline *time.Time
	if raw := req.Option("deadline"); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			return h.reply(ctx, req, "締切は YYYY-MM-DD 形式で指定してください。")
		}
		now := time.Now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if parsed.Before(today) {
			return h.reply(ctx, req, "締切は今日以降の日付を指定してください。")
		}
		deadline = &parsed
	}

	priority := store.TaskPriority(strings.ToUpper(req.Option("priority")))
	if priority != "" && !store.ValidPriority(priority) {
		return h.reply(ctx, req, "優先度は HIGH / MEDIUM / LOW のいずれかです。")
	}

	if _, err := h.store.UpsertUser(ctx, req.From); err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	task, err := h.store.CreateTask(ctx, store.CreateTaskInput{
		UserID:      req.From,
		Title:       title,
		Description: req.Option("description"),
		Deadline:    deadline,
		Priority:    priority,
	})
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	var reminderNote string
	if task.Deadline != nil {
		reminders, err := h.store.CreateDefaultReminders(ctx, task.ID)
		if err != nil {
			h.logger.Warn("default reminders failed", "task", task.ID, "error", err)
		} else if len(reminders) > 0 {
			reminderNote = fmt.Sprintf("リマインダーを %d 件設定しました", len(reminders))
		}
	}

	embed := &channels.Embed{
		Title: "タスクを登録しました",
		Color: colorSuccess,
		Fields: []channels.EmbedField{
			{Name: "タイトル", Value: task.Title, Inline: true},
			{Name: "優先度", Value: string(task.Priority), Inline: true},
		},
	}
	if task.Deadline != nil {
		embed.Fields = append(embed.Fields, channels.EmbedField{
			Name: "締切", Value: task.Deadline.Format("2006-01-02"), Inline: true,
		})
	}
	if reminderNote != "" {
		embed.Description = reminderNote
	}
	return req.Respond(ctx, &channels.OutgoingMessage{Embed: embed})
}

func (h *CommandHandler) taskList(ctx context.Context, req *channels.CommandRequest) error {
	var (
		tasks []*store.Task
		err   error
		title string
	)
	if raw := req.Option("days"); raw != "" {
		days, convErr := strconv.Atoi(raw)
		if convErr != nil || days < 1 {
			return h.reply(ctx, req, "日数は 1 以上の整数で指定してください。")
		}
		tasks, err = h.store.ListUpcomingTasks(ctx, req.From, days)
		title = fmt.Sprintf("%d日以内に締切のタスク (%%d件)", days)
	} else {
		tasks, err = h.store.ListTasks(ctx, req.From)
		title = "タスク一覧 (%d件)"
	}
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		return h.reply(ctx, req, "該当するタスクはありません。")
	}

	embed := &channels.Embed{
		Title: fmt.Sprintf(title, len(tasks)),
		Color: colorInfo,
	}
	for _, t := range tasks {
		value := fmt.Sprintf("%s | 進捗 %d%% | 優先度 %s", t.Status, t.Progress, t.Priority)
		if t.Deadline != nil {
			value += " | 締切 " + t.Deadline.Format("2006-01-02")
		}
		embed.Fields = append(embed.Fields, channels.EmbedField{
			Name:  statusMark(t.Status) + " " + t.Title,
			Value: value,
		})
	}
	return req.Respond(ctx, &channels.OutgoingMessage{Embed: embed})
}

func (h *CommandHandler) taskProgress(ctx context.Context, req *channels.CommandRequest) error {
	title := strings.TrimSpace(req.Option("title"))
	if title == "" {
		return h.reply(ctx, req, "タスクのタイトルを指定してください。")
	}
	progress, err := strconv.Atoi(req.Option("progress"))
	if err != nil || progress < 0 || progress > 100 {
		return h.reply(ctx, req, "進捗は 0〜100 の整数で指定してください。")
	}

	task, err := h.orch.findTaskByTitle(ctx, req.From, title)
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) && se.Code == CodeTaskNotFound {
			return h.reply(ctx, req, fmt.Sprintf("「%s」に一致するタスクが見つかりません。", title))
		}
		return err
	}

	updated, err := h.store.UpdateProgress(ctx, task.ID, progress)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return req.Respond(ctx, &channels.OutgoingMessage{Embed: &channels.Embed{
		Title: "進捗を更新しました",
		Color: colorSuccess,
		Fields: []channels.EmbedField{
			{Name: "タスク", Value: updated.Title, Inline: true},
			{Name: "進捗", Value: fmt.Sprintf("%d%%", updated.Progress), Inline: true},
			{Name: "ステータス", Value: string(updated.Status), Inline: true},
		},
	}})
}

func (h *CommandHandler) taskComplete(ctx context.Context, req *channels.CommandRequest) error {
	title := strings.TrimSpace(req.Option("title"))
	if title == "" {
		return h.reply(ctx, req, "タスクのタイトルを指定してください。")
	}

	task, err := h.orch.findTaskByTitle(ctx, req.From, title)
	if err != nil {
		var se *ServiceError
		if errors.As(err, &se) && se.Code == CodeTaskNotFound {
			return h.reply(ctx, req, fmt.Sprintf("「%s」に一致するタスクが見つかりません。", title))
		}
		return err
	}

	completed, err := h.store.CompleteTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	return req.Respond(ctx, &channels.OutgoingMessage{Embed: &channels.Embed{
		Title:       "タスクを完了しました 🎉",
		Description: completed.Title,
		Color:       colorSuccess,
	}})
}

// ---------- /chat ----------

func (h *CommandHandler) chatTalk(ctx context.Context, req *channels.CommandRequest) error {
	message := strings.TrimSpace(req.Option("message"))
	if message == "" {
		return h.reply(ctx, req, "メッセージを指定してください。")
	}
	return h.orch.Converse(ctx, req.ChatID, req.From, message, SendFunc(req.Respond))
}

func (h *CommandHandler) chatCharacter(ctx context.Context, req *channels.CommandRequest) error {
	cid := character.ID(strings.ToLower(req.Option("character")))
	profile, ok := character.Lookup(cid)
	if !ok {
		names := make([]string, 0, len(character.All()))
		for _, id := range character.All() {
			names = append(names, string(id))
		}
		return h.reply(ctx, req,
			"そのキャラクターはいません。選べるのは: "+strings.Join(names, ", "))
	}

	if _, err := h.store.UpsertUser(ctx, req.From); err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	if _, err := h.store.SetActiveCharacter(ctx, req.From, cid); err != nil {
		return fmt.Errorf("switching character: %w", err)
	}
	return req.Respond(ctx, &channels.OutgoingMessage{Embed: &channels.Embed{
		Title:       "キャラクターを切り替えました",
		Description: profile.Name,
		Color:       colorInfo,
	}})
}

func (h *CommandHandler) chatPressure(ctx context.Context, req *channels.CommandRequest) error {
	level, err := strconv.Atoi(req.Option("level"))
	if err != nil || level < 1 || level > 5 {
		return h.reply(ctx, req, "プレッシャーレベルは 1〜5 の整数で指定してください。")
	}

	if _, err := h.store.UpsertUser(ctx, req.From); err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	if _, err := h.store.SetPressureLevel(ctx, req.From, level); err != nil {
		return fmt.Errorf("setting pressure level: %w", err)
	}
	return h.reply(ctx, req,
		fmt.Sprintf("プレッシャーレベルを %d にしました。(%s)", level, pressureDescription(level)))
}

func (h *CommandHandler) chatDebug(ctx context.Context, req *channels.CommandRequest) error {
	embed := &channels.Embed{Title: "デバッグ情報", Color: colorWarning}

	state := h.orch.States().Get(req.ChatID)
	embed.Fields = append(embed.Fields, channels.EmbedField{
		Name:   "エンゲージメント",
		Value:  string(state.Status),
		Inline: true,
	})

	user, err := h.store.GetUser(ctx, req.From)
	switch {
	case errors.Is(err, store.ErrNotFound):
		embed.Fields = append(embed.Fields, channels.EmbedField{
			Name: "ユーザー", Value: "未登録", Inline: true,
		})
	case err != nil:
		return fmt.Errorf("loading user: %w", err)
	default:
		embed.Fields = append(embed.Fields,
			channels.EmbedField{Name: "キャラクター", Value: string(user.ActiveCharacter), Inline: true},
			channels.EmbedField{Name: "プレッシャー", Value: strconv.Itoa(user.PressureLevel), Inline: true},
		)

		conv, err := h.store.LatestConversationByUser(ctx, req.From)
		if err == nil {
			embed.Fields = append(embed.Fields,
				channels.EmbedField{Name: "会話ID", Value: conv.ID},
				channels.EmbedField{Name: "関係値", Value: strconv.Itoa(conv.RelationshipScore), Inline: true},
				channels.EmbedField{Name: "メッセージ数", Value: strconv.Itoa(len(conv.Messages)), Inline: true},
			)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading conversation: %w", err)
		}

		if user.ActiveCharacter != "" {
			_, summary, err := h.store.InteractionHistory(ctx, req.From, user.ActiveCharacter)
			if err == nil && summary.TotalInteractions > 0 {
				embed.Fields = append(embed.Fields, channels.EmbedField{
					Name: "インタラクション", Value: strconv.Itoa(summary.TotalInteractions), Inline: true,
				})
			}
		}
	}
	return req.Respond(ctx, &channels.OutgoingMessage{Embed: embed})
}

func statusMark(st store.TaskStatus) string {
	switch st {
	case store.StatusCompleted:
		return "✅"
	case store.StatusInProgress:
		return "🔄"
	default:
		return "⏳"
	}
}
