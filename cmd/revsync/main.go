package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/cmd/revsync/commands"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "revsync",
	Short: "revsync - revision tree synchronization",
	Long: `revsync - keep a local revision tree in sync with a remote backend.

Local revisions live in a SQLite database. A sync fetches remote topology,
completes missing payloads, pushes local-only revisions parent first and
finally mirrors the head.

Available commands:
  am      - Manage revsync configuration ("I am")
  commit  - Record a new local revision
  log     - Show the local revision tree
  sync    - Synchronize with the remote (once, or --watch)
  serve   - Run the reference remote backend
  version - Show build information

Examples:
  revsync am show                 # Show current configuration
  revsync commit -m "draft" f.txt # Record f.txt as a new revision
  revsync log                     # Show the revision tree
  revsync sync --watch            # Sync every sync.interval_seconds
  revsync serve                   # Serve the remote API on server.port`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")

		// config may set log defaults; flags win
		if cfg, err := am.Load(); err == nil {
			if !cmd.Flags().Changed("verbose") {
				verbosity = cfg.Log.Verbosity
			}
			if !cmd.Flags().Changed("json-logs") {
				jsonLogs = cfg.Log.JSON
			}
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.CommitCmd)
	rootCmd.AddCommand(commands.LogCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
