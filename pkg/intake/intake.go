// Package intake deduplicates mutating job submissions by caller-supplied
// idempotency key plus canonical payload fingerprint. A key is bound to
// the first payload it arrives with; replays return the original ids and
// a reused key with a different payload is a conflict.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/hub/pkg/canonicalize"
	"github.com/fleetward/hub/pkg/journal"
)

// Status is the lifecycle of an accepted request.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Record is one idempotency record. Created on first submission of a
// key, mutated to completed by the job-completion collaborator, and
// retained for the configured TTL.
type Record struct {
	IdempotencyKey     string    `json:"idempotency_key"`
	PayloadFingerprint string    `json:"payload_fingerprint"`
	JobID              string    `json:"job_id"`
	RequestID          string    `json:"request_id"`
	Status             Status    `json:"status"`
	ResultRef          string    `json:"result_ref,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SubmitResult is returned to the caller.
type SubmitResult struct {
	JobID     string         `json:"job_id"`
	RequestID string         `json:"request_id"`
	Status    Status         `json:"status"`
	Dedup     bool           `json:"dedup"`
	Result    map[string]any `json:"result,omitempty"`
}

var (
	// ErrConflict: idempotency key reused with a different payload
	// fingerprint. The original record is untouched.
	ErrConflict = errors.New("intake: idempotency key already bound to a different payload")
	// ErrReadOnly: submission reached a replica projection.
	ErrReadOnly = errors.New("intake: read-only replica projection")
	// ErrNotFound: completion referenced an unknown job.
	ErrNotFound = errors.New("intake: record not found")
)

// Store persists idempotency records. Implementations must be safe for
// concurrent use; the Intake additionally serializes same-key paths.
type Store interface {
	Get(key string) (Record, bool, error)
	Create(rec Record) error
	CompleteJob(jobID, resultRef string) (Record, error)
	Put(rec Record) error
	Sweep(olderThan time.Time) (int, error)
}

// ResultLookup resolves a result reference to the cached result body, so
// a completed dedup hit returns the stored result with no recomputation.
type ResultLookup interface {
	Result(ref string) (map[string]any, bool)
}

// Journal event types emitted by the intake.
const (
	EventAccepted  = "request.accepted"
	EventCompleted = "request.completed"
)

// DefaultRetention bounds idempotency record growth.
const DefaultRetention = 24 * time.Hour

// Intake is the single coordinating owner for idempotency records.
type Intake struct {
	mu        sync.Mutex
	store     Store
	appender  journal.Appender
	results   ResultLookup
	clock     func() time.Time
	retention time.Duration
	readOnly  bool
}

// New creates a writer-side intake. appender and results may be nil.
func New(store Store, appender journal.Appender, results ResultLookup, retention time.Duration) *Intake {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Intake{
		store:     store,
		appender:  appender,
		results:   results,
		clock:     time.Now,
		retention: retention,
	}
}

// NewReadOnly creates a replica-side projection: submissions are
// rejected, state advances only through ApplyEvent.
func NewReadOnly(store Store) *Intake {
	return &Intake{store: store, clock: time.Now, retention: DefaultRetention, readOnly: true}
}

// WithClock overrides the clock for testing.
func (i *Intake) WithClock(clock func() time.Time) *Intake {
	i.clock = clock
	return i
}

// Fingerprint computes the canonical payload fingerprint for a
// submission. Field order never matters; values are byte-exact.
func Fingerprint(kind string, params map[string]any) (string, error) {
	return canonicalize.Fingerprint(map[string]any{"kind": kind, "params": params})
}

// Submit processes one submission. See package doc for the dedup and
// conflict rules.
func (i *Intake) Submit(ctx context.Context, key, kind string, params map[string]any) (SubmitResult, error) {
	if key == "" {
		return SubmitResult{}, errors.New("intake: idempotency_key required")
	}

	fp, err := Fingerprint(kind, params)
	if err != nil {
		return SubmitResult{}, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.readOnly {
		return SubmitResult{}, ErrReadOnly
	}

	existing, found, err := i.store.Get(key)
	if err != nil {
		return SubmitResult{}, err
	}
	if found {
		if existing.PayloadFingerprint != fp {
			return SubmitResult{}, ErrConflict
		}
		res := SubmitResult{
			JobID:     existing.JobID,
			RequestID: existing.RequestID,
			Status:    existing.Status,
			Dedup:     true,
		}
		if existing.Status == StatusCompleted && existing.ResultRef != "" && i.results != nil {
			if cached, ok := i.results.Result(existing.ResultRef); ok {
				res.Result = cached
			}
		}
		return res, nil
	}

	rec := Record{
		IdempotencyKey:     key,
		PayloadFingerprint: fp,
		JobID:              uuid.New().String(),
		RequestID:          uuid.New().String(),
		Status:             StatusAccepted,
		CreatedAt:          i.clock().UTC(),
	}
	if err := i.store.Create(rec); err != nil {
		return SubmitResult{}, err
	}

	if i.appender != nil {
		if _, err := i.appender.Append(EventAccepted, recordPayload(rec)); err != nil {
			return SubmitResult{}, fmt.Errorf("intake: journal accept: %w", err)
		}
	}

	return SubmitResult{JobID: rec.JobID, RequestID: rec.RequestID, Status: rec.Status}, nil
}

// Complete marks the record owning jobID as completed with the given
// result reference. The transition is atomic and immediately visible to
// subsequent dedup lookups.
func (i *Intake) Complete(ctx context.Context, jobID, resultRef string) (Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.readOnly {
		return Record{}, ErrReadOnly
	}

	rec, err := i.store.CompleteJob(jobID, resultRef)
	if err != nil {
		return Record{}, err
	}

	if i.appender != nil {
		if _, err := i.appender.Append(EventCompleted, recordPayload(rec)); err != nil {
			return Record{}, fmt.Errorf("intake: journal complete: %w", err)
		}
	}
	return rec, nil
}

// StartSweeper evicts records older than the retention TTL until ctx is
// done. Retention is an operator tradeoff: long enough that clients have
// retried, short enough to bound growth.
func (i *Intake) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := i.store.Sweep(i.clock().Add(-i.retention))
				if err != nil {
					slog.Warn("idempotency sweep failed", "error", err)
				} else if n > 0 {
					slog.Debug("idempotency records swept", "count", n)
				}
			}
		}
	}()
}
