package store

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/teamd-project/teamd/internal/fsio"
)

// appendAudit writes one event to the team's append-only audit log. Callers
// hold the mutation lock and append audit before their mutation is
// considered observable.
func (s *Store) appendAudit(teamID string, ev AuditEvent) error {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return err
	}
	ev.SchemaVersion = SchemaVersion
	ev.ID = uuid.NewString()
	ev.Timestamp = s.timestamp()
	if err := fsio.AppendLine(filepath.Join(dir, "audit", "events.jsonl"), &ev); err != nil {
		return internalErr(err)
	}
	return nil
}

// ReadAudit returns every committed audit event in log order. Observability
// only; the audit log is not replayed to recover authority.
func (s *Store) ReadAudit(teamID string) ([]AuditEvent, error) {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	lines, err := fsio.ReadLines(filepath.Join(dir, "audit", "events.jsonl"))
	if err != nil {
		return nil, internalErr(err)
	}
	events := make([]AuditEvent, 0, len(lines))
	for _, line := range lines {
		var ev AuditEvent
		if err := unmarshalLine(line, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
