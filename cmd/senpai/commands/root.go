// Package commands implements the senpai CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"senpai/pkg/senpai/bot"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "senpai",
		Short: "senpai - character-driven task assistant for Discord",
		Long: `senpai is a Discord bot where anime-style characters keep you
accountable: they chat with you, track your tasks, and nag you about
deadlines with a configurable amount of pressure.

Examples:
  senpai serve
  senpai serve --config ./config.yaml
  senpai setup --api-key sk-...
  senpai cleanup --days 30`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newCleanupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config named by --config, or the first file
// found in the standard locations.
func resolveConfig(cmd *cobra.Command) (*bot.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = bot.FindConfigFile()
	}
	if path == "" {
		return nil, fmt.Errorf("no config file found (use --config or create config.yaml)")
	}
	return bot.LoadConfig(path)
}

// newLogger builds the process logger from config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *bot.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch {
	case verbose, cfg.LogLevel == "debug":
		level = slog.LevelDebug
	case cfg.LogLevel == "warn":
		level = slog.LevelWarn
	case cfg.LogLevel == "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
