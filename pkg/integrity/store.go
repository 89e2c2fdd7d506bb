package integrity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fleetward/hub/pkg/journal"
)

// MemoryResultStore keeps accepted submissions in memory.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]Submission
}

// NewMemoryResultStore creates an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]Submission)}
}

// Put implements ResultStore.
func (s *MemoryResultStore) Put(sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sub.ResultID] = sub
	return nil
}

// Get implements ResultStore.
func (s *MemoryResultStore) Get(resultID string) (Submission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.results[resultID]
	return sub, ok
}

// Result implements intake.ResultLookup: the cached body returned on a
// completed dedup hit, with no recomputation.
func (s *MemoryResultStore) Result(ref string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.results[ref]
	if !ok {
		return nil, false
	}
	return map[string]any{
		"result_id": sub.ResultID,
		"job_id":    sub.JobID,
		"ok":        sub.OK,
		"result":    sub.Result,
		"error":     sub.Error,
	}, true
}

// submissionPayload flattens a submission into a journal payload.
func submissionPayload(sub Submission) map[string]any {
	raw, _ := json.Marshal(sub)
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	return payload
}

// ApplyEvent replays an accepted result into the projection; the replica
// replay path.
func (s *MemoryResultStore) ApplyEvent(ev journal.Event) error {
	if ev.Type != EventResultAccepted {
		return nil
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("integrity: apply event: %w", err)
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("integrity: apply event: %w", err)
	}
	if sub.ResultID == "" {
		return fmt.Errorf("integrity: apply event at offset %d: missing result_id", ev.Offset)
	}
	return s.Put(sub)
}
