package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamd-project/teamd/internal/daemon"
	"github.com/teamd-project/teamd/internal/store"
)

// End-to-end: discover a live daemon through its runtime descriptor and
// drive the full mutation surface through the wrappers.
func TestClientAgainstLiveDaemon(t *testing.T) {
	root := t.TempDir()
	d, err := daemon.Start(context.Background(), daemon.Options{Root: root, TeamID: "demo"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	disc, err := Discover(Env{Root: root, AgentID: "worker_a"})
	require.NoError(t, err)
	assert.Equal(t, d.URL, disc.URL)
	assert.Equal(t, "demo", disc.TeamID)
	client := NewClient(disc)
	ctx := context.Background()

	created, err := client.CreateTask(ctx, CreateTaskRequest{
		Title:          "wire it up",
		Resources:      []string{"src"},
		IdempotencyKey: "guard-create-1",
	})
	require.NoError(t, err)
	require.True(t, created.Created)
	taskID := created.Task.ID

	// The idempotent replay returns the same task.
	replay, err := client.CreateTask(ctx, CreateTaskRequest{Title: "wire it up", IdempotencyKey: "guard-create-1"})
	require.NoError(t, err)
	assert.False(t, replay.Created)
	assert.Equal(t, taskID, replay.Task.ID)

	claimed, err := client.ClaimTask(ctx, taskID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed.Lease)

	decision := client.CanWrite(ctx, "src/main.go")
	assert.True(t, decision.Allow)
	assert.Equal(t, store.ReasonLeaseActive, decision.Reason)

	decision = client.CanWrite(ctx, "docs/readme.md")
	assert.False(t, decision.Allow)
	assert.Equal(t, store.ReasonNoActiveLease, decision.Reason)

	renewed, err := client.RenewTask(ctx, taskID, claimed.Lease.Epoch, 2*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, renewed.Lease)

	thread, err := client.StartThread(ctx, "progress", []string{"worker_b"}, taskID)
	require.NoError(t, err)
	_, err = client.PostMessage(ctx, thread.Thread.ID, "halfway there")
	require.NoError(t, err)

	done, err := client.CompleteTask(ctx, taskID, claimed.Lease.Epoch)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Task.Status)

	// A second finalize of the completed task is refused with the wire error
	// intact.
	_, err = client.CompleteTask(ctx, taskID, claimed.Lease.Epoch)
	var serr *store.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, store.CodeTaskNotInProgress, serr.Code)

	// The completion broadcast reaches the other participant's inbox.
	bDisc := *disc
	bDisc.AgentID = "worker_b"
	bClient := NewClient(&bDisc)
	page, err := bClient.FetchInbox(ctx, 0)
	require.NoError(t, err)
	var sawCompletion, sawMessage bool
	for _, ev := range page.Events {
		switch ev.Type {
		case "task_completed":
			sawCompletion = true
		case "thread_message":
			sawMessage = true
			assert.Equal(t, "halfway there", ev.Content)
		}
	}
	assert.True(t, sawCompletion)
	assert.True(t, sawMessage)

	tasks, err := client.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}
