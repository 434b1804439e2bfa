package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SakenW/TH-Suite-sub005/am"
	"github.com/SakenW/TH-Suite-sub005/cmd/thsync/commands"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
)

var rootCmd = &cobra.Command{
	Use:   "thsync",
	Short: "thsync - localization sync hub and client",
	Long: `thsync keeps Minecraft localization workspaces in sync through a hub.

Clients queue their edits in a local outbox; a sync round pulls the
payloads other clients committed and pushes the outbox in order. The hub
merges every entry three ways and flags conflicting edits for review.

Available commands:
  am       - Manage configuration ("I am")
  hub      - Run and maintain the sync hub
  sync     - Run one sync round against the hub
  outbox   - Inspect and queue local edits
  session  - Inspect sessions recorded by the hub
  uida     - Generate and inspect canonical key identifiers
  override - Validate and resolve override sets
  version  - Show version information

Examples:
  thsync am init                   # Write ./am.toml with the defaults
  thsync hub serve                 # Start the hub
  thsync outbox add edits.json     # Queue edits
  thsync sync                      # Sync with client.hub_url`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")

		// Config may be broken; logging still starts from the flags so the
		// command can report it
		load := am.Load
		if commands.ConfigPath != "" {
			load = func() (*am.Config, error) { return am.LoadFromFile(commands.ConfigPath) }
		}
		if cfg, err := load(); err == nil {
			jsonLogs = jsonLogs || cfg.Log.JSON
			verbosity = max(verbosity, cfg.Log.Verbosity)
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Read this config file instead of the usual chain")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.HubCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.OutboxCmd)
	rootCmd.AddCommand(commands.SessionCmd)
	rootCmd.AddCommand(commands.UidaCmd)
	rootCmd.AddCommand(commands.OverrideCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
