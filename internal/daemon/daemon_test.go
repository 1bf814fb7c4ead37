package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamd-project/teamd/internal/store"
)

const testTeam = "demo"

func startTestDaemon(t *testing.T, root string) *Daemon {
	t.Helper()
	d, err := Start(context.Background(), Options{Root: root, TeamID: testTeam})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestStartPublishesRuntimeDescriptor(t *testing.T) {
	root := t.TempDir()
	d := startTestDaemon(t, root)

	path := filepath.Join(d.Store().Root(), testTeam, "runtime.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rt store.Runtime
	require.NoError(t, json.Unmarshal(data, &rt))
	assert.Equal(t, d.URL, rt.URL)
	assert.Equal(t, d.Token, rt.Token)
	assert.Equal(t, os.Getpid(), rt.PID)
	assert.Equal(t, store.SchemaVersion, rt.SchemaVersion)

	// Team directory is private and fully scaffolded.
	teamInfo, err := os.Stat(filepath.Join(d.Store().Root(), testTeam))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), teamInfo.Mode().Perm())
	for _, sub := range []string{"tasks", "threads", "inboxes", "audit", "artifacts", "idempotency"} {
		_, err := os.Stat(filepath.Join(d.Store().Root(), testTeam, sub))
		require.NoError(t, err, "missing %s", sub)
	}
}

func TestHealthzServes(t *testing.T) {
	d := startTestDaemon(t, t.TempDir())

	resp, err := http.Get(d.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestSecondInstanceIsRefused(t *testing.T) {
	root := t.TempDir()
	startTestDaemon(t, root)

	_, err := Start(context.Background(), Options{Root: root, TeamID: testTeam})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".teamd.lock")
	assert.Contains(t, err.Error(), "already running")
}

func TestCloseReleasesLockForRestart(t *testing.T) {
	root := t.TempDir()
	d, err := Start(context.Background(), Options{Root: root, TeamID: testTeam})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, statErr := os.Stat(filepath.Join(d.Store().Root(), testTeam, ".teamd.lock"))
	assert.True(t, os.IsNotExist(statErr), "lock released on close")

	restarted := startTestDaemon(t, root)
	assert.NotEmpty(t, restarted.URL)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	root := t.TempDir()
	teamDir := filepath.Join(root, testTeam)
	require.NoError(t, os.MkdirAll(teamDir, 0o700))
	lockPath := filepath.Join(teamDir, lockFileName)
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid": 999999, "startedAt": "2026-01-01T00:00:00Z", "schemaVersion": 1}`), 0o600))

	d := startTestDaemon(t, root)

	info, err := readLock(filepath.Join(d.Store().Root(), testTeam, lockFileName))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID, "lock now names the live daemon")
}

func TestLiveLockIsRespected(t *testing.T) {
	root := t.TempDir()
	teamDir := filepath.Join(root, testTeam)
	require.NoError(t, os.MkdirAll(teamDir, 0o700))
	lockPath := filepath.Join(teamDir, lockFileName)
	// The test's own pid is demonstrably alive.
	payload, err := json.Marshal(lockInfo{PID: os.Getpid(), StartedAt: "2026-01-01T00:00:00Z", SchemaVersion: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, payload, 0o600))

	_, err = Start(context.Background(), Options{Root: root, TeamID: testTeam})
	require.Error(t, err)
	assert.Contains(t, err.Error(), lockFileName)
	assert.Contains(t, err.Error(), "already running")
}

func TestMintedTokenIsFreshPerStart(t *testing.T) {
	d1 := startTestDaemon(t, t.TempDir())
	d2 := startTestDaemon(t, t.TempDir())
	assert.Len(t, d1.Token, 64, "256-bit hex credential")
	assert.NotEqual(t, d1.Token, d2.Token)
}

func TestSuppliedTokenIsUsed(t *testing.T) {
	d, err := Start(context.Background(), Options{Root: t.TempDir(), TeamID: testTeam, Token: "sekrit"})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, "sekrit", d.Token)
}

func TestTeamSeedIsApplied(t *testing.T) {
	d, err := Start(context.Background(), Options{
		Root:   t.TempDir(),
		TeamID: testTeam,
		Team: &store.Team{ID: testTeam, Agents: []store.Agent{
			{ID: "worker_a", Role: "implementer"},
		}},
	})
	require.NoError(t, err)
	defer d.Close()

	team, err := d.Store().GetTeam(testTeam)
	require.NoError(t, err)
	require.Len(t, team.Agents, 1)
	assert.Equal(t, "worker_a", team.Agents[0].ID)
}

// Restart after a crash-interrupted append: the committed message survives,
// the torn tail is dropped, and the task files still parse.
func TestCrashRecovery(t *testing.T) {
	root := t.TempDir()
	d, err := Start(context.Background(), Options{Root: root, TeamID: testTeam})
	require.NoError(t, err)

	st := d.Store()
	_, _, err = st.CreateTask(testTeam, store.CreateTaskInput{Title: "survivor"})
	require.NoError(t, err)
	thread, err := st.StartThread(testTeam, "ops", nil, "", "worker_a")
	require.NoError(t, err)
	_, err = st.PostMessage(testTeam, thread.ID, "worker_a", "before crash")
	require.NoError(t, err)

	logPath := filepath.Join(st.Root(), testTeam, "threads", thread.ID+".jsonl")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"partial":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, d.Close())

	restarted := startTestDaemon(t, root)
	rst := restarted.Store()

	_, messages, err := rst.ThreadTail(testTeam, thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "before crash", messages[0].Body)

	tasks, err := rst.ListTasks(testTeam)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
