// Package store is the authoritative model of the workspace: teams, tasks,
// threads, inboxes, audit, and idempotency records on disk. Every mutating
// operation runs under a single mutex so the store observes a total order
// of writes; each mutation persists its records and appends its audit event
// before returning. Reads never take the lock: the atomic-rename writer
// guarantees readers only ever see fully-formed files.
package store

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/teamd-project/teamd/internal/fsio"
)

// Subdirectories scaffolded under each team directory. artifacts/ is
// reserved for clients and never written by the daemon.
var teamSubdirs = []string{"tasks", "threads", "inboxes", "audit", "artifacts", "idempotency"}

var identRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidIdent reports whether s is a legal team/agent/task/thread identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// Store owns all persisted records under a workspace root. One Store serves
// every team directory beneath the root.
type Store struct {
	root string

	// mu is the serial mutation queue. All state transitions are totally
	// ordered by it; readers do not take it.
	mu sync.Mutex

	// now is the clock; tests override it to drive lease expiry.
	now func() time.Time
}

// Open resolves root and returns a Store over it. The root directory is
// created mode 0700 if missing.
func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := fsio.SecureDir(abs); err != nil {
		return nil, err
	}
	// Resolve symlinks once so safe-join checks compare real paths.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Store{root: real, now: time.Now}, nil
}

// Root returns the resolved workspace root.
func (s *Store) Root() string { return s.root }

// teamDir resolves the directory for teamID under the root, rejecting
// identifiers that are not path-safe.
func (s *Store) teamDir(teamID string) (string, error) {
	if !ValidIdent(teamID) {
		return "", errf(400, CodeInvalidTeamID, "invalid team id %q", teamID)
	}
	dir, err := fsio.SafeJoin(s.root, teamID)
	if err != nil {
		return "", errf(400, CodeInvalidTeamID, "invalid team id %q: %v", teamID, err)
	}
	return dir, nil
}

// ScaffoldTeam creates the team directory tree (mode 0700 throughout) and a
// default empty team record when none exists. Safe to call on every start.
func (s *Store) ScaffoldTeam(teamID string) error {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return err
	}
	if err := fsio.SecureDir(dir); err != nil {
		return internalErr(err)
	}
	for _, sub := range teamSubdirs {
		if err := fsio.SecureDir(filepath.Join(dir, sub)); err != nil {
			return internalErr(err)
		}
	}
	teamPath := filepath.Join(dir, "team.json")
	if _, err := os.Stat(teamPath); os.IsNotExist(err) {
		team := &Team{
			SchemaVersion: SchemaVersion,
			ID:            teamID,
			Agents:        []Agent{},
			CreatedAt:     s.timestamp(),
		}
		if err := fsio.WriteJSONAtomic(teamPath, team); err != nil {
			return internalErr(err)
		}
	}
	return nil
}

// timestamp returns the current time as an RFC 3339 UTC string, the format
// every persisted record uses.
func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// parseTime parses an RFC 3339 timestamp, returning the zero time on
// malformed input so expiry checks fail safe (zero expiry reads as expired).
func parseTime(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// leaseExpired reports whether l has passed its expiry at time now.
func leaseExpired(l *Lease, now time.Time) bool {
	if l == nil {
		return true
	}
	exp := parseTime(l.ExpiresAt)
	return !now.Before(exp)
}
