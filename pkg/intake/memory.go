package intake

import (
	"sync"
	"time"
)

// MemoryStore keeps idempotency records in memory. Suitable for a single
// hub process; durable deployments use the SQLite or Postgres stores.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]Record
	byJob map[string]string // job_id -> idempotency_key
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[string]Record),
		byJob: make(map[string]string),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[key]
	return rec, ok, nil
}

// Create implements Store.
func (s *MemoryStore) Create(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[rec.IdempotencyKey] = rec
	s.byJob[rec.JobID] = rec.IdempotencyKey
	return nil
}

// CompleteJob implements Store.
func (s *MemoryStore) CompleteJob(jobID, resultRef string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byJob[jobID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec := s.byKey[key]
	rec.Status = StatusCompleted
	rec.ResultRef = resultRef
	s.byKey[key] = rec
	return rec, nil
}

// Put implements Store (replica replay path).
func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[rec.IdempotencyKey] = rec
	s.byJob[rec.JobID] = rec.IdempotencyKey
	return nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, rec := range s.byKey {
		if rec.CreatedAt.Before(olderThan) {
			delete(s.byKey, key)
			delete(s.byJob, rec.JobID)
			n++
		}
	}
	return n, nil
}
