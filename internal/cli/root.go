package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forge",
		Short: "Orchestrate coding-agent workers in tmux sessions",
		Long: `forge spawns coding-agent workers through a launcher script, tracks them
in tmux sessions, checks that they still respond and hands them work from
the workspace's beads queue (.beads/issues.jsonl).

Worker state is kept in <root>/.forge/state/workers.json and every lifecycle
change is appended to <root>/.forge/events/audit.ndjson.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.String("root", "", "Workspace root (default: current directory)")
	pf.StringP("config", "c", "", "Path to config.yaml (default: <root>/.forge/config.yaml)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.String("log-format", "", "Log format: text or json (overrides config)")

	cmd.AddCommand(
		newInitCmd(),
		newSpawnCmd(),
		newStopCmd(),
		newStopAllCmd(),
		newListCmd(),
		newStatusCmd(),
		newRefreshCmd(),
		newPingCmd(),
		newDiscoverCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newCaptureCmd(),
		newSendCmd(),
		newBeadsCmd(),
		newDispatchCmd(),
		newWatchCmd(),
		newEventsCmd(),
	)
	return cmd
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx, which long-running commands
// such as watch treat as their shutdown signal.
func ExecuteContext(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
