package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"senpai/pkg/senpai/bot"
)

// newSetupCmd creates the `senpai setup` command that stores credentials
// in the OS keyring so they never live in the config file.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Store credentials in the OS keyring",
		Long: `Store the LLM API key and Discord bot token in the operating
system keyring. "senpai serve" falls back to the keyring when a
credential is missing from the config and environment.

Examples:
  senpai setup --api-key sk-... --discord-token MTIz...`,
		RunE: runSetup,
	}

	cmd.Flags().String("api-key", "", "LLM API key to store")
	cmd.Flags().String("discord-token", "", "Discord bot token to store")
	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	apiKey, _ := cmd.Flags().GetString("api-key")
	token, _ := cmd.Flags().GetString("discord-token")
	if apiKey == "" && token == "" {
		return fmt.Errorf("nothing to store (use --api-key and/or --discord-token)")
	}

	if apiKey != "" {
		if err := bot.StoreKeyring("api_key", apiKey); err != nil {
			return fmt.Errorf("storing API key: %w", err)
		}
		fmt.Println("API key stored in keyring")
	}
	if token != "" {
		if err := bot.StoreKeyring("discord_token", token); err != nil {
			return fmt.Errorf("storing Discord token: %w", err)
		}
		fmt.Println("Discord token stored in keyring")
	}
	return nil
}
