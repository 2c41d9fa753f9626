package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"senpai/pkg/senpai/store"
)

// newCleanupCmd creates the `senpai cleanup` command for a one-off
// retention sweep, for operators who prefer running it out of band
// instead of via the in-process scheduler.
func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete conversations idle longer than the retention window",
		RunE:  runCleanup,
	}

	cmd.Flags().Int("days", 90, "delete conversations idle for more than this many days")
	return cmd
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := st.DeleteConversationsBefore(context.Background(), cutoff)
	if err != nil {
		return fmt.Errorf("deleting conversations: %w", err)
	}

	fmt.Printf("Deleted %d conversation(s) idle since before %s\n",
		deleted, cutoff.Format("2006-01-02"))
	return nil
}
