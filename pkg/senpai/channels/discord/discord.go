// Package discord implements the Discord channel for senpai using
// discordgo: gateway messages with mention detection, slash commands,
// embeds, typing indicators, and direct-message delivery for reminders.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"senpai/pkg/senpai/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// GuildID optionally scopes slash command registration to one guild.
	// Empty registers globally.
	GuildID string
}

// Discord implements channels.Channel and channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages forwards incoming chat messages to the orchestrator.
	messages chan *channels.IncomingMessage

	// commands forwards slash command invocations.
	commands chan *channels.CommandRequest

	// registered holds the command IDs created on connect, for cleanup.
	registered []*discordgo.ApplicationCommand

	connected atomic.Bool
	mu        sync.Mutex
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
		commands: make(chan *channels.CommandRequest, 64),
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection and registers the slash commands.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required: %w", channels.ErrConnectionFailed)
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	if err := d.registerCommands(); err != nil {
		session.Close()
		d.connected.Store(false)
		return fmt.Errorf("discord: registering commands: %w", err)
	}

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect removes the registered commands and closes the gateway.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.unregisterCommands()
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("disconnected")
	return nil
}

// Send sends a message to the specified channel, splitting content that
// exceeds Discord's per-message limit.
func (d *Discord) Send(ctx context.Context, chatID string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	if message.Embed != nil {
		_, err := d.session.ChannelMessageSendEmbed(chatID, toDiscordEmbed(message.Embed))
		if err != nil {
			return fmt.Errorf("discord: %w: %v", channels.ErrSendFailed, err)
		}
		return nil
	}

	for _, chunk := range splitMessage(message.Content, 2000) {
		if _, err := d.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("discord: %w: %v", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// SendDM opens (or reuses) a DM channel with the user and sends there.
func (d *Discord) SendDM(ctx context.Context, userID string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	dm, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("discord: opening DM channel: %w", err)
	}
	return d.Send(ctx, dm.ID, message)
}

// Messages returns the incoming message channel.
func (d *Discord) Messages() <-chan *channels.IncomingMessage { return d.messages }

// Commands returns the incoming slash command channel.
func (d *Discord) Commands() <-chan *channels.CommandRequest { return d.commands }

// IsConnected reports whether the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// ---------- PresenceChannel Interface ----------

// SendTyping sends a typing indicator to the channel.
func (d *Discord) SendTyping(ctx context.Context, chatID string) error {
	if d.session == nil {
		return nil
	}
	return d.session.ChannelTyping(chatID)
}

// ---------- Event Handlers ----------

// onMessageCreate forwards incoming messages, stripping the bot mention
// from the content and flagging whether the bot was addressed. DMs
// always count as addressed.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	mentioned := m.GuildID == "" // DMs are always for the bot
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			mentioned = true
			break
		}
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		Content:   stripMention(m.Content, s.State.User.ID),
		Mentioned: mentioned,
		Timestamp: m.Timestamp,
	}

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// onInteractionCreate turns a slash command invocation into a
// CommandRequest. The interaction is deferred immediately to satisfy
// Discord's 3-second acknowledgement limit; the first Respond call edits
// the deferred response and later calls become follow-up messages.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return
	}
	sub := data.Options[0]

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		d.logger.Warn("failed to defer interaction", "command", data.Name, "error", err)
		return
	}

	options := make(map[string]string, len(sub.Options))
	for _, opt := range sub.Options {
		options[opt.Name] = optionString(opt)
	}

	var (
		userID   string
		userName string
	)
	if i.Member != nil && i.Member.User != nil {
		userID, userName = i.Member.User.ID, i.Member.User.Username
	} else if i.User != nil {
		userID, userName = i.User.ID, i.User.Username
	}

	responded := false
	var respondMu sync.Mutex
	respond := func(ctx context.Context, reply *channels.OutgoingMessage) error {
		respondMu.Lock()
		defer respondMu.Unlock()

		if !responded {
			responded = true
			edit := &discordgo.WebhookEdit{}
			if reply.Content != "" {
				edit.Content = &reply.Content
			}
			if reply.Embed != nil {
				embeds := []*discordgo.MessageEmbed{toDiscordEmbed(reply.Embed)}
				edit.Embeds = &embeds
			}
			_, err := s.InteractionResponseEdit(i.Interaction, edit)
			return err
		}

		followup := &discordgo.WebhookParams{Content: reply.Content}
		if reply.Embed != nil {
			followup.Embeds = []*discordgo.MessageEmbed{toDiscordEmbed(reply.Embed)}
		}
		_, err := s.FollowupMessageCreate(i.Interaction, true, followup)
		return err
	}

	req := &channels.CommandRequest{
		Channel:  "discord",
		ChatID:   i.ChannelID,
		From:     userID,
		FromName: userName,
		Name:     data.Name,
		Sub:      sub.Name,
		Options:  options,
		Respond:  respond,
	}

	select {
	case d.commands <- req:
	default:
		d.logger.Warn("command buffer full, dropping invocation", "command", data.Name)
	}
}

// ---------- Command Registration ----------

// commandDefinitions declares the /task and /chat slash commands.
func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "task",
			Description: "タスク管理",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "タスクを登録する",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "title", Description: "タイトル", Required: true},
						{Type: discordgo.ApplicationCommandOptionString, Name: "description", Description: "詳細"},
						{Type: discordgo.ApplicationCommandOptionString, Name: "deadline", Description: "締切 (YYYY-MM-DD)"},
						{
							Type: discordgo.ApplicationCommandOptionString, Name: "priority", Description: "優先度",
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "HIGH", Value: "HIGH"},
								{Name: "MEDIUM", Value: "MEDIUM"},
								{Name: "LOW", Value: "LOW"},
							},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "タスク一覧を表示する",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "days", Description: "指定した日数以内に締切が来るタスクだけ表示"},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "progress",
					Description: "タスクの進捗を更新する",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "title", Description: "タスクのタイトル", Required: true},
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "progress", Description: "進捗 (0-100)", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "complete",
					Description: "タスクを完了にする",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "title", Description: "タスクのタイトル", Required: true},
					},
				},
			},
		},
		{
			Name:        "chat",
			Description: "キャラクターとの会話",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "talk",
					Description: "キャラクターに話しかける",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "message", Description: "メッセージ", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "character",
					Description: "キャラクターを切り替える",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type: discordgo.ApplicationCommandOptionString, Name: "character", Description: "キャラクター", Required: true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "レイナ", Value: "reina"},
								{Name: "サエキ", Value: "saeki"},
								{Name: "クジョウ", Value: "kujo"},
								{Name: "ツキシロ", Value: "tsukishiro"},
							},
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "pressure",
					Description: "プレッシャーレベルを変更する",
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "level", Description: "レベル (1-5)", Required: true},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "debug",
					Description: "デバッグ情報を表示する",
				},
			},
		},
	}
}

func (d *Discord) registerCommands() error {
	appID := d.session.State.User.ID
	for _, def := range commandDefinitions() {
		created, err := d.session.ApplicationCommandCreate(appID, d.cfg.GuildID, def)
		if err != nil {
			return fmt.Errorf("creating command %q: %w", def.Name, err)
		}
		d.registered = append(d.registered, created)
	}
	d.logger.Info("slash commands registered",
		"count", len(d.registered), "guild", d.cfg.GuildID)
	return nil
}

func (d *Discord) unregisterCommands() {
	appID := d.session.State.User.ID
	for _, cmd := range d.registered {
		if err := d.session.ApplicationCommandDelete(appID, d.cfg.GuildID, cmd.ID); err != nil {
			d.logger.Warn("failed to delete command", "command", cmd.Name, "error", err)
		}
	}
	d.registered = nil
}

// ---------- Helpers ----------

// stripMention removes the bot's mention tokens from message content.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// optionString renders any option value as a string; the command layer
// parses numerics itself.
func optionString(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	switch opt.Type {
	case discordgo.ApplicationCommandOptionString:
		return opt.StringValue()
	case discordgo.ApplicationCommandOptionInteger:
		return fmt.Sprintf("%d", opt.IntValue())
	case discordgo.ApplicationCommandOptionBoolean:
		return fmt.Sprintf("%t", opt.BoolValue())
	default:
		return fmt.Sprintf("%v", opt.Value)
	}
}

// toDiscordEmbed converts the platform-neutral embed.
func toDiscordEmbed(e *channels.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	return out
}

// splitMessage splits content into chunks respecting Discord's length
// limit, preferring newline boundaries. The limit counts characters
// (Discord's 2000 is not bytes), and cuts always land on rune
// boundaries so multibyte text never splits mid-sequence.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
)
