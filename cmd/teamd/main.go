// teamd is the coordination daemon for cooperating agents on a single host,
// plus the companion read-only CLI. The daemon owns the workspace; the CLI
// and guard clients only ever talk to it over the loopback HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagRoot string
	flagTeam string
)

var rootCmd = &cobra.Command{
	Use:   "teamd",
	Short: "Coordination daemon for cooperating agents",
	Long: `teamd gives concurrent agent processes a shared, auditable workspace of
tasks, threads, and per-agent inboxes. Exactly one agent at a time may
write a given set of resources; all state transitions are durable.

Run 'teamd serve' to start the daemon, then point agents at the workspace
with TEAM_WORKSPACE_ROOT / TEAM_ID / AGENT_ID.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "workspace root (default $TEAM_WORKSPACE_ROOT or cwd)")
	rootCmd.PersistentFlags().StringVar(&flagTeam, "team", "", "team id (default $TEAM_ID)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
