package store

import (
	"os"
	"path/filepath"
	"sort"
)

// CreateTeam stores the team record, scaffolding its directory tree. If the
// team already exists the stored record is returned unchanged; teams are
// never destroyed or overwritten by the core.
func (s *Store) CreateTeam(team *Team) (*Team, error) {
	if team == nil || !ValidIdent(team.ID) {
		return nil, errf(400, CodeInvalidTeamID, "invalid team id")
	}
	for _, a := range team.Agents {
		if !ValidIdent(a.ID) {
			return nil, errf(400, CodeInvalidTeamID, "invalid agent id %q", a.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(team.ID)
	if err != nil {
		return nil, err
	}
	teamPath := filepath.Join(dir, "team.json")
	if existing, err := s.readTeam(teamPath); err == nil {
		return existing, nil
	}

	if err := s.ScaffoldTeam(team.ID); err != nil {
		return nil, err
	}
	stored := *team
	stored.SchemaVersion = SchemaVersion
	if stored.Agents == nil {
		stored.Agents = []Agent{}
	}
	stored.CreatedAt = s.timestamp()
	if err := s.writeJSON(teamPath, &stored); err != nil {
		return nil, err
	}
	if err := s.appendAudit(team.ID, AuditEvent{Type: AuditTeamCreated, Data: map[string]interface{}{"teamId": team.ID}}); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetTeam returns the stored team record.
func (s *Store) GetTeam(teamID string) (*Team, error) {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	team, err := s.readTeam(filepath.Join(dir, "team.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errf(404, CodeTeamNotFound, "team %q not found", teamID)
		}
		return nil, internalErr(err)
	}
	return team, nil
}

// ListTeams scans the workspace root for team directories containing a
// team.json, sorted by id.
func (s *Store) ListTeams() ([]*Team, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, internalErr(err)
	}
	var teams []*Team
	for _, e := range entries {
		if !e.IsDir() || !ValidIdent(e.Name()) {
			continue
		}
		team, err := s.readTeam(filepath.Join(s.root, e.Name(), "team.json"))
		if err != nil {
			continue
		}
		teams = append(teams, team)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

// teamAgents returns the configured agent ids for a team, or nil when the
// team record is absent.
func (s *Store) teamAgents(teamID string) []string {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil
	}
	team, err := s.readTeam(filepath.Join(dir, "team.json"))
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(team.Agents))
	for _, a := range team.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}
