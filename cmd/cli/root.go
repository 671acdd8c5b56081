package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"forge/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "Forge - CI scheduling and landing queue for a self-hosted code forge",
	Long: `Forge runs the backend services of a self-hosted code forge: the CI task
scheduler that remote runners pull work from, and the landing queue that
merges reviewed changes onto bookmarks.

At a minimum, you need to start the server and at least 1 runner.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(migrateCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
