package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/teamd-project/teamd/internal/store"
)

// lockFileName is the per-team single-instance lock.
const lockFileName = ".teamd.lock"

// lockInfo is the lock file payload.
type lockInfo struct {
	PID           int    `json:"pid"`
	StartedAt     string `json:"startedAt"`
	SchemaVersion int    `json:"schemaVersion"`
}

// acquireLock claims the per-team lock with exclusive-create semantics. A
// lock naming a demonstrably dead process is removed and acquisition retried
// exactly once; a live holder fails with a message naming the lock file and
// the holding pid.
func acquireLock(teamDir string) (string, error) {
	lockPath := filepath.Join(teamDir, lockFileName)

	for attempt := 0; ; attempt++ {
		err := writeLock(lockPath)
		if err == nil {
			return lockPath, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create lock file: %w", err)
		}

		holder, readErr := readLock(lockPath)
		if readErr == nil && processAlive(holder.PID) {
			return "", fmt.Errorf(
				"another teamd is already running for this team (pid %d, started %s)\n"+
					"  lock file: %s\n"+
					"  stop that daemon, or remove the lock file if it is stale",
				holder.PID, holder.StartedAt, lockPath)
		}
		if attempt > 0 {
			return "", fmt.Errorf("lock file %s reappeared during stale reclamation", lockPath)
		}

		// Unreadable payload or dead holder: reclaim and retry once.
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale lock %s: %w", lockPath, err)
		}
	}
}

func writeLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info := lockInfo{
		PID:           os.Getpid(),
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
		SchemaVersion: store.SchemaVersion,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		f.Close()
		os.Remove(lockPath)
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(lockPath)
		return err
	}
	return f.Close()
}

func readLock(lockPath string) (*lockInfo, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("lock file has no pid")
	}
	return &info, nil
}

// releaseLock removes the lock file. Missing is fine; shutdown paths may
// race a manual cleanup.
func releaseLock(lockPath string) {
	if lockPath == "" {
		return
	}
	_ = os.Remove(lockPath)
}

// processAlive probes a pid with signal 0. EPERM means the process exists
// but belongs to someone else, so it counts as alive.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
