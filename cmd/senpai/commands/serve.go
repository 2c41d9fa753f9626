package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"senpai/pkg/senpai/bot"
	"senpai/pkg/senpai/channels"
	"senpai/pkg/senpai/channels/discord"
	"senpai/pkg/senpai/llm"
	"senpai/pkg/senpai/scheduler"
	"senpai/pkg/senpai/store"
)

// newServeCmd creates the `senpai serve` command that starts the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and start handling messages",
		Long: `Start the senpai daemon: connect to the Discord gateway, register
slash commands, and run the reminder scheduler until interrupted.

Examples:
  senpai serve
  senpai serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cmd, cfg)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	model := llm.New(cfg.LLM, logger)
	orch := bot.NewOrchestrator(st, model, cfg.Conversation, logger)
	handler := bot.NewCommandHandler(st, orch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dc := discord.New(discord.Config{
		Token:   cfg.Discord.Token,
		GuildID: cfg.Discord.GuildID,
	}, logger)
	if err := dc.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to discord: %w", err)
	}
	defer dc.Disconnect()

	sched := scheduler.New(st, dc, scheduler.Options{
		ReminderSpec: cfg.Scheduler.ReminderSpec,
		CleanupSpec:  cfg.Scheduler.CleanupSpec,
		Retention:    time.Duration(cfg.Scheduler.RetentionDays) * 24 * time.Hour,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	go runEventLoop(ctx, dc, orch, handler)

	logger.Info("senpai is up", "channel", dc.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return nil
}

// runEventLoop fans channel events into the orchestrator and command
// handler. Each event is handled in its own goroutine so a slow model
// call on one chat never stalls another.
func runEventLoop(ctx context.Context, ch channels.Channel, orch *bot.Orchestrator, handler *bot.CommandHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Messages():
			if !ok {
				return
			}
			go orch.HandleMessage(ctx, ch, msg)
		case req, ok := <-ch.Commands():
			if !ok {
				return
			}
			go handler.Handle(ctx, req)
		}
	}
}
