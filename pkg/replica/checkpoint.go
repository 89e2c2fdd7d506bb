// Package replica implements the read-only follower: a polling sync loop
// that pulls journal ranges from the writer, replays them into local
// derived state, and checkpoints progress so restarts neither duplicate
// nor skip events.
package replica

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the persisted sync position. It is advanced only after a
// fetched batch has been fully applied.
type Checkpoint struct {
	WriterAddress     string    `json:"writer_address"`
	SyncOffset        int64     `json:"sync_offset"`
	LastHash          string    `json:"last_hash"`
	LastEventTS       time.Time `json:"last_event_ts"`
	LastSyncAt        time.Time `json:"last_sync_at"`
	TotalEventsSynced int64     `json:"total_events_synced"`
}

// loadCheckpoint reads the checkpoint file; a missing file yields a
// zero checkpoint so first-run replicas start from offset 0.
func loadCheckpoint(path string) (Checkpoint, error) {
	var cp Checkpoint
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("replica: read checkpoint: %w", err)
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cp, fmt.Errorf("replica: parse checkpoint: %w", err)
	}
	return cp, nil
}

// saveCheckpoint persists the checkpoint atomically (write-then-rename).
func saveCheckpoint(path string, cp Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("replica: marshal checkpoint: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("replica: checkpoint dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("replica: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replica: commit checkpoint: %w", err)
	}
	return nil
}
