package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's health",
	Long: `Discover the daemon from the environment and the workspace runtime
descriptor, probe /healthz, and print what was found.

Exits 1 when no daemon can be discovered or the probe fails.`,
	Run: func(cmd *cobra.Command, args []string) {
		client, err := discoverClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		d := client.Discovery()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health, err := client.Health(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon at %s is not responding: %v\n", d.URL, err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("%s teamd %s\n", green("●"), health["version"])
		fmt.Printf("  url:   %s\n", d.URL)
		fmt.Printf("  team:  %s\n", d.TeamID)
		fmt.Printf("  agent: %s %s\n", d.AgentID, gray("(this client)"))
		fmt.Printf("  root:  %s\n", d.Root)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
