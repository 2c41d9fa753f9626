package bot

import (
	"fmt"

	"senpai/pkg/senpai/llm"
	"senpai/pkg/senpai/store"
)

// Config is the top-level application configuration.
type Config struct {
	// Discord holds gateway credentials.
	Discord DiscordConfig `yaml:"discord"`

	// LLM configures the model provider.
	LLM llm.Config `yaml:"llm"`

	// Store configures the SQLite database.
	Store store.Config `yaml:"store"`

	// Conversation tunes the engagement lifecycle.
	Conversation ConversationConfig `yaml:"conversation"`

	// Scheduler configures reminder dispatch and retention.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// GuildID optionally scopes slash command registration to one guild,
	// which makes commands appear immediately instead of after global
	// propagation. Empty registers globally.
	GuildID string `yaml:"guild_id"`
}

// ConversationConfig tunes the engagement state machine.
type ConversationConfig struct {
	// TimeoutMinutes is how long an active conversation survives without
	// a message before the next message starts a fresh one.
	TimeoutMinutes int `yaml:"timeout_minutes"`

	// MonitoringMinutes is how long a wound-down conversation keeps
	// listening for a revival before going fully inactive.
	MonitoringMinutes int `yaml:"monitoring_minutes"`

	// ContextMessages caps how much history is replayed to the model.
	ContextMessages int `yaml:"context_messages"`
}

// SchedulerConfig configures the background cron jobs.
type SchedulerConfig struct {
	// ReminderSpec is the cron expression for the reminder sweep.
	ReminderSpec string `yaml:"reminder_spec"`

	// CleanupSpec is the cron expression for retention cleanup.
	CleanupSpec string `yaml:"cleanup_spec"`

	// RetentionDays is how long inactive conversations are kept.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns a config with sensible defaults. Loading overlays
// YAML values on top of these.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.LLM.Model = "gpt-4o"
	cfg.Store.Path = "./data/senpai.db"
	cfg.Conversation.TimeoutMinutes = 10
	cfg.Conversation.MonitoringMinutes = 10
	cfg.Conversation.ContextMessages = 10
	cfg.Scheduler.ReminderSpec = "* * * * *"
	cfg.Scheduler.CleanupSpec = "30 4 * * *"
	cfg.Scheduler.RetentionDays = 90
	cfg.LogLevel = "info"
	return cfg
}

// Validate checks that the config can actually run a bot.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set OPENAI_API_KEY or store it in the keyring)")
	}
	if c.Conversation.TimeoutMinutes <= 0 {
		return fmt.Errorf("conversation.timeout_minutes must be positive")
	}
	if c.Conversation.MonitoringMinutes <= 0 {
		return fmt.Errorf("conversation.monitoring_minutes must be positive")
	}
	if c.Conversation.ContextMessages <= 0 {
		return fmt.Errorf("conversation.context_messages must be positive")
	}
	return nil
}
