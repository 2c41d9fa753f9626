// Package channels defines the interfaces and types for senpai
// communication channels. Each channel (currently Discord) implements the
// Channel interface to receive messages and slash commands and to send
// replies in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified chat.
	Send(ctx context.Context, chatID string, message *OutgoingMessage) error

	// Messages returns a Go channel that emits incoming chat messages.
	Messages() <-chan *IncomingMessage

	// Commands returns a Go channel that emits incoming slash commands.
	Commands() <-chan *CommandRequest

	// IsConnected returns true if the channel is connected.
	IsConnected() bool
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the chat.
	SendTyping(ctx context.Context, chatID string) error
}

// IncomingMessage represents a chat message received from a channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the channel or DM identifier the message arrived in.
	ChatID string

	// Content is the text content with any bot mention already stripped.
	Content string

	// Mentioned is true when the message explicitly mentions the bot.
	Mentioned bool

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// Embed is an optional rich embed rendered by channels that support it.
	Embed *Embed
}

// Embed is a platform-neutral rich reply. Channels that cannot render
// embeds fall back to a plain-text rendering.
type Embed struct {
	Title       string
	Description string
	Fields      []EmbedField
	Color       int
}

// EmbedField is a single labeled value inside an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// CommandRequest represents a slash command invocation. The first call
// to Respond answers the invocation; further calls send follow-up
// messages in the same channel.
type CommandRequest struct {
	// Channel identifies the source channel.
	Channel string

	// ChatID is the channel the command was invoked in.
	ChatID string

	// From is the invoking user's platform identifier.
	From string

	// FromName is the invoking user's display name.
	FromName string

	// Name is the top-level command name (e.g. "task").
	Name string

	// Sub is the subcommand name (e.g. "add").
	Sub string

	// Options holds the command options as strings, keyed by option name.
	// Numeric options are parsed by the handler.
	Options map[string]string

	// Respond sends the reply for this invocation.
	Respond func(ctx context.Context, reply *OutgoingMessage) error
}

// Option returns the named option value, or "" when absent.
func (c *CommandRequest) Option(name string) string {
	if c.Options == nil {
		return ""
	}
	return c.Options[name]
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
