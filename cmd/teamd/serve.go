package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teamd-project/teamd/internal/daemon"
	"github.com/teamd-project/teamd/internal/store"
)

var (
	servePort     int
	serveToken    string
	serveTeamFile string
)

// teamSeed is the YAML shape accepted by --team-file.
type teamSeed struct {
	ID     string `yaml:"id"`
	Agents []struct {
		ID    string `yaml:"id"`
		Role  string `yaml:"role"`
		Model string `yaml:"model"`
	} `yaml:"agents"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination daemon in the foreground",
	Long: `Start the daemon for one team workspace and serve until interrupted.

The daemon scaffolds the workspace, takes the single-instance lock, mints
a credential unless --token is given, binds a loopback listener, and
publishes <root>/<team>/runtime.json for clients to discover.

Examples:
  teamd serve --team demo
  teamd serve --team demo --port 7420 --team-file team.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := workspaceRoot()
		team := teamID()
		if team == "" {
			return fmt.Errorf("--team or TEAM_ID is required")
		}

		var seed *store.Team
		if serveTeamFile != "" {
			var err error
			seed, err = loadTeamSeed(serveTeamFile, team)
			if err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := daemon.Start(ctx, daemon.Options{
			Root:   root,
			TeamID: team,
			Token:  serveToken,
			Port:   servePort,
			Team:   seed,
		})
		if err != nil {
			return err
		}
		defer d.Close()

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s teamd %s serving team %s\n", green("●"), daemon.Version, team)
		fmt.Printf("  url:  %s\n", d.URL)
		fmt.Printf("  root: %s\n", root)

		<-ctx.Done()
		fmt.Println("\nshutting down...")
		return d.Close()
	},
}

// loadTeamSeed parses a --team-file and reconciles its id with --team.
func loadTeamSeed(path, teamID string) (*store.Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read team file: %w", err)
	}
	var seed teamSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse team file %s: %w", path, err)
	}
	if seed.ID != "" && seed.ID != teamID {
		return nil, fmt.Errorf("team file id %q does not match --team %q", seed.ID, teamID)
	}
	team := &store.Team{ID: teamID}
	for _, a := range seed.Agents {
		team.Agents = append(team.Agents, store.Agent{ID: a.ID, Role: a.Role, Model: a.Model})
	}
	return team, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (0 = ephemeral)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "bearer credential (minted when empty)")
	serveCmd.Flags().StringVar(&serveTeamFile, "team-file", "", "YAML file seeding the team record")
	rootCmd.AddCommand(serveCmd)
}
