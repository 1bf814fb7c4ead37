package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/teamd-project/teamd/internal/store"
)

var tasksJSON bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect tasks in the workspace",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the team's tasks",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := discoverClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tasks, err := client.ListTasks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if tasksJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(tasks); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if len(tasks) == 0 {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Println(gray("No tasks"))
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tOWNER\tEPOCH\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, colorStatus(t.Status), t.Owner, t.Epoch, t.Title)
		}
		w.Flush()
	},
}

func colorStatus(s store.Status) string {
	switch s {
	case store.StatusInProgress:
		return color.New(color.FgYellow).Sprint(s)
	case store.StatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case store.StatusFailed, store.StatusCanceled:
		return color.New(color.FgRed).Sprint(s)
	case store.StatusBlocked:
		return color.New(color.FgHiBlack).Sprint(s)
	default:
		return string(s)
	}
}

func init() {
	tasksListCmd.Flags().BoolVar(&tasksJSON, "json", false, "emit JSON instead of a table")
	tasksCmd.AddCommand(tasksListCmd)
	rootCmd.AddCommand(tasksCmd)
}
