package store

import (
	"strings"

	"github.com/teamd-project/teamd/internal/fsio"
)

// Can-write deny/allow reasons. These are structured results, not errors:
// the endpoint always answers, and every failure mode maps to a deny.
const (
	ReasonLeaseActive   = "lease_active_for_resource"
	ReasonInvalidPath   = "invalid_path"
	ReasonPathTraversal = "path_traversal_denied"
	ReasonNoActiveLease = "no_active_lease_for_path"
)

// Decision is the structured answer to a write-permission probe.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// CanWrite decides whether agentID currently holds a live lease covering
// the requested workspace-relative path. A resource covers a path when it
// equals the path or is a strict parent of it. Expiry is evaluated at
// decision time.
func (s *Store) CanWrite(teamID, agentID, reqPath string) Decision {
	if !ValidIdent(agentID) || strings.TrimSpace(reqPath) == "" {
		return Decision{Allow: false, Reason: ReasonInvalidPath}
	}

	norm, ok := normalizePath(reqPath)
	if !ok {
		return Decision{Allow: false, Reason: ReasonPathTraversal}
	}
	if _, err := fsio.SafeJoin(s.root, norm); err != nil {
		return Decision{Allow: false, Reason: ReasonPathTraversal}
	}

	dir, err := s.teamDir(teamID)
	if err != nil {
		return Decision{Allow: false, Reason: ReasonInvalidPath}
	}
	tasks, err := s.listTasks(dir)
	if err != nil {
		return Decision{Allow: false, Reason: ReasonNoActiveLease}
	}

	now := s.now()
	for _, t := range tasks {
		if t.Status != StatusInProgress || t.Lease == nil {
			continue
		}
		if t.Lease.Holder != agentID || leaseExpired(t.Lease, now) {
			continue
		}
		for _, res := range t.Resources {
			if resourceCovers(res, norm) {
				return Decision{Allow: true, Reason: ReasonLeaseActive}
			}
		}
	}
	return Decision{Allow: false, Reason: ReasonNoActiveLease}
}

// resourceCovers reports whether resource equals the path or is a strict
// parent prefix of it. Both sides are normalized slash paths.
func resourceCovers(resource, p string) bool {
	if resource == "." {
		return true
	}
	return resource == p || strings.HasPrefix(p, resource+"/")
}
