package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/teamd-project/teamd/internal/fsio"
)

// DefaultTailLimit applies when a tail read does not specify a limit.
const DefaultTailLimit = 20

func threadIndexPath(teamDir string) string {
	return filepath.Join(teamDir, "threads", "index.json")
}

func threadLogPath(teamDir, threadID string) string {
	return filepath.Join(teamDir, "threads", threadID+".jsonl")
}

// readThreadIndex loads the thread index, empty when absent.
func (s *Store) readThreadIndex(teamDir string) ([]*Thread, error) {
	var threads []*Thread
	if err := readJSON(threadIndexPath(teamDir), &threads); err != nil && !os.IsNotExist(err) {
		return nil, internalErr(err)
	}
	return threads, nil
}

func (s *Store) writeThreadIndex(teamDir string, threads []*Thread) error {
	return s.writeJSON(threadIndexPath(teamDir), threads)
}

func findThread(threads []*Thread, threadID string) *Thread {
	for _, t := range threads {
		if t.ID == threadID {
			return t
		}
	}
	return nil
}

// StartThread creates a durable discussion channel. The originator is always
// a participant; duplicates collapse while preserving first-seen order. A
// linked task must exist.
func (s *Store) StartThread(teamID, title string, participants []string, taskID, originator string) (*Thread, error) {
	if !ValidIdent(originator) {
		return nil, errf(400, CodeInvalidAgentID, "invalid agent id %q", originator)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	if taskID != "" {
		if _, err := s.readTask(dir, taskID); err != nil {
			return nil, err
		}
	}

	members := []string{originator}
	seen := map[string]bool{originator: true}
	for _, p := range participants {
		if !ValidIdent(p) {
			return nil, errf(400, CodeInvalidAgentID, "invalid agent id %q", p)
		}
		if !seen[p] {
			seen[p] = true
			members = append(members, p)
		}
	}

	threads, err := s.readThreadIndex(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	now := s.timestamp()
	thread := &Thread{
		SchemaVersion: SchemaVersion,
		ID:            nextID("thread", ids),
		Title:         title,
		Participants:  members,
		TaskID:        taskID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	threads = append(threads, thread)
	if err := s.writeThreadIndex(dir, threads); err != nil {
		return nil, err
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:     AuditThreadStarted,
		Actor:    originator,
		ThreadID: thread.ID,
		TaskID:   taskID,
		Data:     map[string]interface{}{"title": title, "participants": members},
	}); err != nil {
		return nil, err
	}
	return thread, nil
}

// PostMessage appends one message to a thread's log and notifies the other
// participants. An author not yet in the participant set joins it.
func (s *Store) PostMessage(teamID, threadID, agentID, body string) (*Message, error) {
	if !ValidIdent(agentID) {
		return nil, errf(400, CodeInvalidAgentID, "invalid agent id %q", agentID)
	}
	if strings.TrimSpace(body) == "" {
		return nil, errf(400, CodeInvalidThreadMessage, "message body is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	threads, err := s.readThreadIndex(dir)
	if err != nil {
		return nil, err
	}
	thread := findThread(threads, threadID)
	if thread == nil {
		return nil, errf(404, CodeThreadNotFound, "thread %q not found", threadID)
	}

	msg := &Message{
		ID:        "msg-" + uuid.NewString(),
		ThreadID:  thread.ID,
		Author:    agentID,
		Body:      body,
		Timestamp: s.timestamp(),
	}
	if err := fsio.AppendLine(threadLogPath(dir, thread.ID), msg); err != nil {
		return nil, internalErr(err)
	}

	if !contains(thread.Participants, agentID) {
		thread.Participants = append(thread.Participants, agentID)
	}
	thread.UpdatedAt = msg.Timestamp
	if err := s.writeThreadIndex(dir, threads); err != nil {
		return nil, err
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:     AuditMessagePosted,
		Actor:    agentID,
		ThreadID: thread.ID,
		Data:     map[string]interface{}{"messageId": msg.ID},
	}); err != nil {
		return nil, err
	}
	if err := s.fanOutMessage(dir, thread, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ThreadTail returns the thread record and its last limit messages. The
// tolerant tail reader drops at most a crash-interrupted final line; no
// earlier message is ever lost.
func (s *Store) ThreadTail(teamID, threadID string, limit int) (*Thread, []Message, error) {
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, nil, err
	}
	threads, err := s.readThreadIndex(dir)
	if err != nil {
		return nil, nil, err
	}
	thread := findThread(threads, threadID)
	if thread == nil {
		return nil, nil, errf(404, CodeThreadNotFound, "thread %q not found", threadID)
	}

	lines, err := fsio.ReadLines(threadLogPath(dir, thread.ID))
	if err != nil {
		return nil, nil, internalErr(err)
	}
	messages := make([]Message, 0, len(lines))
	for _, line := range lines {
		var msg Message
		if err := unmarshalLine(line, &msg); err != nil {
			return nil, nil, err
		}
		messages = append(messages, msg)
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return thread, messages, nil
}

// SearchThreads returns threads whose title contains the query,
// case-insensitively. An empty query matches everything.
func (s *Store) SearchThreads(teamID, query string) ([]*Thread, error) {
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	threads, err := s.readThreadIndex(dir)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return threads, nil
	}
	q := strings.ToLower(query)
	var matched []*Thread
	for _, t := range threads {
		if strings.Contains(strings.ToLower(t.Title), q) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// LinkThread attaches a thread to a task. Both must exist.
func (s *Store) LinkThread(teamID, threadID, taskID string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, err
	}
	threads, err := s.readThreadIndex(dir)
	if err != nil {
		return nil, err
	}
	thread := findThread(threads, threadID)
	if thread == nil {
		return nil, errf(404, CodeThreadNotFound, "thread %q not found", threadID)
	}
	if _, err := s.readTask(dir, taskID); err != nil {
		return nil, err
	}

	thread.TaskID = taskID
	thread.UpdatedAt = s.timestamp()
	if err := s.writeThreadIndex(dir, threads); err != nil {
		return nil, err
	}
	if err := s.appendAudit(teamID, AuditEvent{
		Type:     AuditThreadLinked,
		ThreadID: thread.ID,
		TaskID:   taskID,
	}); err != nil {
		return nil, err
	}
	return thread, nil
}
