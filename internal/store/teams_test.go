package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTeamIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	team, err := s.CreateTeam(&Team{ID: "alpha", Agents: []Agent{{ID: "worker_a", Role: "implementer", Model: "fast"}}})
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, team.SchemaVersion)
	require.Len(t, team.Agents, 1)

	// A second create does not overwrite the stored record.
	again, err := s.CreateTeam(&Team{ID: "alpha", Agents: []Agent{{ID: "other", Role: "reviewer"}}})
	require.NoError(t, err)
	require.Len(t, again.Agents, 1)
	assert.Equal(t, "worker_a", again.Agents[0].ID)
}

func TestCreateTeamValidation(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.CreateTeam(&Team{ID: "bad/id"})
	requireStoreErr(t, err, 400, CodeInvalidTeamID)

	_, err = s.CreateTeam(&Team{ID: "ok", Agents: []Agent{{ID: "bad agent"}}})
	requireStoreErr(t, err, 400, CodeInvalidTeamID)
}

func TestGetAndListTeams(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetTeam("ghost")
	requireStoreErr(t, err, 404, CodeTeamNotFound)

	_, err = s.CreateTeam(&Team{ID: "alpha"})
	require.NoError(t, err)
	_, err = s.CreateTeam(&Team{ID: "beta"})
	require.NoError(t, err)

	got, err := s.GetTeam("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.ID)

	teams, err := s.ListTeams()
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "alpha", teams[0].ID)
	assert.Equal(t, "beta", teams[1].ID)
}
