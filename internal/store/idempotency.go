package store

import (
	"os"
	"path/filepath"
)

// idemEntry maps an idempotency key to the task it produced.
type idemEntry struct {
	TaskID    string `json:"taskId"`
	CreatedAt string `json:"createdAt"`
}

func idempotencyPath(teamDir string) string {
	return filepath.Join(teamDir, "idempotency", "create-task.json")
}

// readIdempotency loads the create-task key map. Keys are persisted
// alongside task state so idempotency survives restart; they are never
// pruned.
func (s *Store) readIdempotency(teamDir string) (map[string]idemEntry, error) {
	keys := map[string]idemEntry{}
	if err := readJSON(idempotencyPath(teamDir), &keys); err != nil && !os.IsNotExist(err) {
		return nil, internalErr(err)
	}
	return keys, nil
}

func (s *Store) recordIdempotency(teamDir, key, taskID string) error {
	keys, err := s.readIdempotency(teamDir)
	if err != nil {
		return err
	}
	keys[key] = idemEntry{TaskID: taskID, CreatedAt: s.timestamp()}
	return s.writeJSON(idempotencyPath(teamDir), keys)
}
