package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print shell exports for the discovered daemon",
	Long: `Resolve the running daemon and print the environment an agent process
needs to join the workspace, in shell export form:

  eval "$(teamd env)"`,
	Run: func(cmd *cobra.Command, args []string) {
		client, err := discoverClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		d := client.Discovery()
		fmt.Printf("export TEAM_WORKSPACE_ROOT=%q\n", d.Root)
		fmt.Printf("export TEAM_ID=%q\n", d.TeamID)
		fmt.Printf("export AGENT_ID=%q\n", d.AgentID)
		fmt.Printf("export TEAMD_URL=%q\n", d.URL)
		fmt.Printf("export TEAMD_TOKEN=%q\n", d.Token)
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
}
