package guard

import (
	"strings"

	"github.com/teamd-project/teamd/internal/store"
)

// maxSummaryLen caps the forwarded line; steering channels want one compact
// line, not a transcript.
const maxSummaryLen = 200

// SummarizeEvent renders one inbox event as a single compact line for the
// host agent's steering channel. The full event body is never forwarded,
// and the result contains no newlines.
//
// Task events read "INBOX: task_completed task-0003 by worker_a"; thread
// messages read "INBOX: thread_message thread-0002 by worker_a".
func SummarizeEvent(ev store.InboxEvent) string {
	ref := ev.TaskID
	if ev.Type == "thread_message" && ev.ThreadID != "" {
		ref = ev.ThreadID
	}
	parts := []string{"INBOX:", ev.Type}
	if ref != "" {
		parts = append(parts, ref)
	}
	if ev.Actor != "" {
		parts = append(parts, "by", ev.Actor)
	}
	line := strings.Join(parts, " ")
	line = strings.Join(strings.Fields(line), " ")
	if len(line) > maxSummaryLen {
		line = line[:maxSummaryLen]
	}
	return line
}
