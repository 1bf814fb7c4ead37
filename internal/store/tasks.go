package store

import (
	"path"
	"strings"
	"time"
)

// DefaultLeaseTTL applies when a claim or renew does not specify one.
const DefaultLeaseTTL = 5 * time.Minute

// CreateTaskInput carries the caller-supplied fields of a new task.
type CreateTaskInput struct {
	Title          string
	Description    string
	Deps           []string
	Resources      []string
	IdempotencyKey string
}

// CreateTask mints and persists a new task. A task with unsatisfied
// dependencies starts blocked, otherwise pending. When an idempotency key is
// supplied and already recorded, the originally created task is returned
// with created=false; the first payload wins.
func (s *Store) CreateTask(teamID string, in CreateTaskInput) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, false, errf(400, CodeInvalidTask, "task title is required")
	}

	// Idempotent replay: a recorded key pointing at an existing task wins
	// over everything else in the request.
	if in.IdempotencyKey != "" {
		keys, err := s.readIdempotency(dir)
		if err != nil {
			return nil, false, err
		}
		if entry, ok := keys[in.IdempotencyKey]; ok {
			if task, err := s.readTask(dir, entry.TaskID); err == nil {
				return task, false, nil
			}
		}
	}

	resources, err := normalizeResources(in.Resources)
	if err != nil {
		return nil, false, err
	}

	// Dependencies must name existing tasks; a typo here would otherwise
	// block the task forever.
	status := StatusPending
	for _, dep := range in.Deps {
		depTask, err := s.readTask(dir, dep)
		if err != nil {
			return nil, false, errf(400, CodeInvalidTask, "unknown dependency %q", dep)
		}
		if depTask.Status != StatusCompleted {
			status = StatusBlocked
		}
	}

	task := &Task{
		SchemaVersion: SchemaVersion,
		ID:            nextID("task", s.taskIDsOnDisk(dir)),
		Title:         in.Title,
		Description:   in.Description,
		Status:        status,
		Deps:          in.Deps,
		Resources:     resources,
		Epoch:         0,
		CreatedAt:     s.timestamp(),
	}
	if err := s.writeTask(dir, task); err != nil {
		return nil, false, err
	}
	// Record the key only after the task file exists so a crash between the
	// two writes can never leave a key pointing at nothing.
	if in.IdempotencyKey != "" {
		if err := s.recordIdempotency(dir, in.IdempotencyKey, task.ID); err != nil {
			return nil, false, err
		}
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:   AuditTaskCreated,
		TaskID: task.ID,
		Data:   map[string]interface{}{"title": task.Title, "status": string(task.Status)},
	}); err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// GetTask returns one task record.
func (s *Store) GetTask(teamID, taskID string) (*Task, error) {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	return s.readTask(dir, taskID)
}

// ListTasks returns every task in the team, sorted by id.
func (s *Store) ListTasks(teamID string) ([]*Task, error) {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	return s.listTasks(dir)
}

// ClaimTask transitions a pending task to in_progress under a fresh lease.
// An expired leftover lease is silently reset before the claim is judged.
// Exactly one of any set of racing claims wins; the rest see
// TASK_NOT_CLAIMABLE.
func (s *Store) ClaimTask(teamID, taskID, agentID string, ttl time.Duration) (*Task, error) {
	if !ValidIdent(agentID) {
		return nil, errf(400, CodeInvalidAgentID, "invalid agent id %q", agentID)
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	task, err := s.readTask(dir, taskID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	// A dead lease from a crashed holder does not hold the task hostage.
	if task.Status == StatusInProgress && leaseExpired(task.Lease, now) {
		task.Status = StatusPending
		task.Lease = nil
	}

	if task.Status != StatusPending {
		return nil, errf(409, CodeTaskNotClaimable, "task %s is %s", task.ID, task.Status)
	}

	task.Epoch++
	task.Status = StatusInProgress
	task.Owner = agentID
	task.Lease = &Lease{
		Holder:    agentID,
		Epoch:     task.Epoch,
		ExpiresAt: now.Add(ttl).UTC().Format(time.RFC3339Nano),
	}
	if task.StartedAt == "" {
		task.StartedAt = s.timestamp()
	}
	if err := s.writeTask(dir, task); err != nil {
		return nil, err
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:   AuditTaskClaimed,
		Actor:  agentID,
		TaskID: task.ID,
		Data:   map[string]interface{}{"epoch": task.Epoch, "expiresAt": task.Lease.ExpiresAt},
	}); err != nil {
		return nil, err
	}
	if err := s.fanOutTaskEvent(teamID, dir, task, AuditTaskClaimed, agentID); err != nil {
		return nil, err
	}
	return task, nil
}

// checkLease validates the fencing token for renew/finalize: the task must
// be in_progress, the holder must match, the epoch must match, and the
// lease must not have expired. Expiry is re-checked at decision time so a
// request that crosses the TTL boundary mid-flight is still rejected.
func (s *Store) checkLease(task *Task, agentID string, epoch int64) *Error {
	if task.Status != StatusInProgress || task.Lease == nil {
		return errf(409, CodeTaskNotInProgress, "task %s is %s", task.ID, task.Status)
	}
	if task.Lease.Holder != agentID {
		return errf(403, CodeLeaseHolderMismatch, "lease on %s is held by %s", task.ID, task.Lease.Holder)
	}
	if task.Lease.Epoch != epoch {
		return errf(409, CodeEpochMismatch, "epoch %d does not match current epoch %d", epoch, task.Lease.Epoch)
	}
	if leaseExpired(task.Lease, s.now()) {
		return errf(403, CodeLeaseExpired, "lease on %s expired at %s", task.ID, task.Lease.ExpiresAt)
	}
	return nil
}

// RenewTask pushes an in_progress task's lease expiry forward.
func (s *Store) RenewTask(teamID, taskID, agentID string, epoch int64, ttl time.Duration) (*Task, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	task, err := s.readTask(dir, taskID)
	if err != nil {
		return nil, err
	}
	if lerr := s.checkLease(task, agentID, epoch); lerr != nil {
		return nil, lerr
	}

	task.Lease.ExpiresAt = s.now().Add(ttl).UTC().Format(time.RFC3339Nano)
	if err := s.writeTask(dir, task); err != nil {
		return nil, err
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:   AuditTaskRenewed,
		Actor:  agentID,
		TaskID: task.ID,
		Data:   map[string]interface{}{"epoch": epoch, "expiresAt": task.Lease.ExpiresAt},
	}); err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask finalizes an in_progress task as completed and unblocks any
// dependents whose last outstanding dependency this was.
func (s *Store) CompleteTask(teamID, taskID, agentID string, epoch int64) (*Task, error) {
	return s.finalizeTask(teamID, taskID, agentID, epoch, StatusCompleted)
}

// FailTask finalizes an in_progress task as failed.
func (s *Store) FailTask(teamID, taskID, agentID string, epoch int64) (*Task, error) {
	return s.finalizeTask(teamID, taskID, agentID, epoch, StatusFailed)
}

func (s *Store) finalizeTask(teamID, taskID, agentID string, epoch int64, terminal Status) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	task, err := s.readTask(dir, taskID)
	if err != nil {
		return nil, err
	}
	if lerr := s.checkLease(task, agentID, epoch); lerr != nil {
		return nil, lerr
	}

	task.Status = terminal
	task.Lease = nil
	auditType := AuditTaskCompleted
	switch terminal {
	case StatusCompleted:
		task.CompletedAt = s.timestamp()
	case StatusFailed:
		task.FailedAt = s.timestamp()
		auditType = AuditTaskFailed
	}
	if err := s.writeTask(dir, task); err != nil {
		return nil, err
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:   auditType,
		Actor:  agentID,
		TaskID: task.ID,
		Data:   map[string]interface{}{"epoch": epoch},
	}); err != nil {
		return nil, err
	}
	if err := s.fanOutTaskEvent(teamID, dir, task, auditType, agentID); err != nil {
		return nil, err
	}

	if terminal == StatusCompleted {
		if err := s.unblockDependents(teamID, dir, task.ID); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// unblockDependents scans blocked tasks after a completion and flips to
// pending any whose dependencies are now all completed.
func (s *Store) unblockDependents(teamID, dir, completedID string) error {
	tasks, err := s.listTasks(dir)
	if err != nil {
		return err
	}
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		if t.Status != StatusBlocked || !contains(t.Deps, completedID) {
			continue
		}
		satisfied := true
		for _, dep := range t.Deps {
			d, ok := byID[dep]
			if !ok || d.Status != StatusCompleted {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		t.Status = StatusPending
		if err := s.writeTask(dir, t); err != nil {
			return err
		}
		if err := s.appendAudit(teamID, AuditEvent{
			Type:   AuditTaskUnblocked,
			TaskID: t.ID,
			Data:   map[string]interface{}{"completedDep": completedID},
		}); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// normalizeResources canonicalizes resource prefixes: forward slashes, no
// leading "./" or "/", no trailing "/". Absolute paths and paths whose
// cleaned form still climbs above the root ("..") are rejected; an inner
// ".." that stays inside the root is resolved by cleaning ("a/../b" -> "b").
func normalizeResources(resources []string) ([]string, error) {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		norm, ok := normalizePath(r)
		if !ok {
			return nil, errf(400, CodeInvalidTask, "invalid resource path %q", r)
		}
		out = append(out, norm)
	}
	return out, nil
}

// normalizePath normalizes one slash-separated path and reports whether it
// is acceptable (relative, no ".." escape).
func normalizePath(p string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", false
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	cleaned = strings.TrimSuffix(cleaned, "/")
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}
