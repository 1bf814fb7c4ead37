package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxInboxEvents bounds the per-agent cache. Inboxes are rebuildable from
// the audit log, so trimming old events loses nothing authoritative.
const maxInboxEvents = 500

// summaryLimit caps the summary line at 120 bytes of the source text.
const summaryLimit = 120

func (s *Store) inboxPath(teamDir, agentID string) string {
	return filepath.Join(teamDir, "inboxes", agentID+".json")
}

// readInbox loads an agent's inbox, returning a fresh one when absent.
// Cursors start at 1 so "since=0" fetches everything.
func (s *Store) readInbox(teamDir, agentID string) (*Inbox, error) {
	var inbox Inbox
	if err := readJSON(s.inboxPath(teamDir, agentID), &inbox); err != nil {
		if os.IsNotExist(err) {
			return &Inbox{SchemaVersion: SchemaVersion, AgentID: agentID, NextCursor: 1, Events: []InboxEvent{}}, nil
		}
		return nil, internalErr(err)
	}
	return &inbox, nil
}

// deliver appends one event to an agent's inbox, assigning the next cursor.
func (s *Store) deliver(teamDir, agentID string, ev InboxEvent) error {
	inbox, err := s.readInbox(teamDir, agentID)
	if err != nil {
		return err
	}
	ev.Cursor = inbox.NextCursor
	inbox.NextCursor++
	inbox.Events = append(inbox.Events, ev)
	if len(inbox.Events) > maxInboxEvents {
		inbox.Events = inbox.Events[len(inbox.Events)-maxInboxEvents:]
	}
	return s.writeJSON(s.inboxPath(teamDir, agentID), inbox)
}

// inboxAgents returns the union of the configured team agents and every
// agent that already has an inbox file. Task state changes broadcast to all
// of them, excluding nobody.
func (s *Store) inboxAgents(teamID, teamDir string) []string {
	seen := map[string]bool{}
	var agents []string
	for _, id := range s.teamAgents(teamID) {
		if !seen[id] {
			seen[id] = true
			agents = append(agents, id)
		}
	}
	entries, err := os.ReadDir(filepath.Join(teamDir, "inboxes"))
	if err == nil {
		for _, e := range entries {
			id, ok := strings.CutSuffix(e.Name(), ".json")
			if !ok || e.IsDir() || !ValidIdent(id) {
				continue
			}
			if !seen[id] {
				seen[id] = true
				agents = append(agents, id)
			}
		}
	}
	sort.Strings(agents)
	return agents
}

// fanOutTaskEvent broadcasts a task state change to every known team agent.
func (s *Store) fanOutTaskEvent(teamID, teamDir string, task *Task, eventType, actor string) error {
	verb := strings.TrimPrefix(eventType, "task_")
	ev := InboxEvent{
		Type:      eventType,
		TaskID:    task.ID,
		Actor:     actor,
		Summary:   fmt.Sprintf("Task %s %s by %s", task.ID, verb, actor),
		Timestamp: s.timestamp(),
	}
	agents := s.inboxAgents(teamID, teamDir)
	// The actor is a known agent even before the team record lists them.
	if ValidIdent(actor) && !contains(agents, actor) {
		agents = append(agents, actor)
	}
	for _, agent := range agents {
		if err := s.deliver(teamDir, agent, ev); err != nil {
			return err
		}
	}
	return nil
}

// fanOutMessage notifies all thread participants except the author.
func (s *Store) fanOutMessage(teamDir string, thread *Thread, msg *Message) error {
	ev := InboxEvent{
		Type:      "thread_message",
		ThreadID:  thread.ID,
		TaskID:    thread.TaskID,
		Actor:     msg.Author,
		Summary:   summarize(msg.Body),
		Content:   msg.Body,
		Timestamp: msg.Timestamp,
	}
	for _, agent := range thread.Participants {
		if agent == msg.Author {
			continue
		}
		if err := s.deliver(teamDir, agent, ev); err != nil {
			return err
		}
	}
	return nil
}

// summarize collapses text to a single line of at most summaryLimit bytes.
func summarize(body string) string {
	line := strings.Join(strings.Fields(body), " ")
	if len(line) > summaryLimit {
		line = line[:summaryLimit]
	}
	return line
}

// FetchInbox returns the events after the given cursor together with the
// cursor to resume from. Cursors are monotonic per agent and never reused.
func (s *Store) FetchInbox(teamID, agentID string, since int64) ([]InboxEvent, int64, error) {
	if !ValidIdent(agentID) {
		return nil, 0, errf(400, CodeInvalidAgentID, "invalid agent id %q", agentID)
	}
	dir, err := s.teamDir(teamID)
	if err != nil {
		return nil, 0, err
	}
	inbox, err := s.readInbox(dir, agentID)
	if err != nil {
		return nil, 0, err
	}
	events := make([]InboxEvent, 0)
	nextSince := since
	for _, ev := range inbox.Events {
		if ev.Cursor <= since {
			continue
		}
		events = append(events, ev)
		if ev.Cursor > nextSince {
			nextSince = ev.Cursor
		}
	}
	return events, nextSince, nil
}
