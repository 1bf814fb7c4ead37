package main

import (
	"os"

	"github.com/teamd-project/teamd/internal/guard"
)

// workspaceRoot resolves --root, then TEAM_WORKSPACE_ROOT, then the current
// directory.
func workspaceRoot() string {
	if flagRoot != "" {
		return flagRoot
	}
	if root := os.Getenv("TEAM_WORKSPACE_ROOT"); root != "" {
		return root
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// teamID resolves --team, then TEAM_ID.
func teamID() string {
	if flagTeam != "" {
		return flagTeam
	}
	return os.Getenv("TEAM_ID")
}

// discoverClient resolves a running daemon using the same precedence as the
// guard client, with CLI flags overriding the environment.
func discoverClient() (*guard.Client, error) {
	env := guard.EnvFromOS()
	if flagRoot != "" {
		env.Root = flagRoot
	}
	if flagTeam != "" {
		env.TeamID = flagTeam
	}
	d, err := guard.Discover(env)
	if err != nil {
		return nil, err
	}
	return guard.NewClient(d), nil
}
