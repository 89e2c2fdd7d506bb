// Package integrity verifies that submitted results were not tampered
// with in transit: the submitter attaches a digest over the canonical
// form of the result's core fields, and the verifier recomputes it from
// what actually arrived before anything is persisted.
//
// The digest detects content tampering after digest computation. It does
// not authenticate the origin node; origin trust is the credential
// authority's job.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fleetward/hub/pkg/canonicalize"
	"github.com/fleetward/hub/pkg/journal"
)

// Block is the integrity envelope attached to a submission.
type Block struct {
	Mode   canonicalize.DigestMode `json:"mode"`
	Digest string                  `json:"digest"`
}

// Submission is one result submission. Immutable after acceptance.
type Submission struct {
	ResultID  string         `json:"result_id"`
	JobID     string         `json:"job_id"`
	OK        bool           `json:"ok"`
	Result    map[string]any `json:"result"`
	Error     string         `json:"error"`
	Integrity Block          `json:"integrity"`
}

// ErrDigestMismatch: the recomputed digest differs from the submitted
// one. The submission is rejected and not persisted.
var ErrDigestMismatch = errors.New("integrity: digest mismatch")

// ResultStore persists accepted submissions.
type ResultStore interface {
	Put(sub Submission) error
	Get(resultID string) (Submission, bool)
	// Result implements intake.ResultLookup over the stored body.
	Result(ref string) (map[string]any, bool)
}

// Completer marks the owning intake record completed once a result is
// accepted.
type Completer interface {
	Complete(ctx context.Context, jobID, resultRef string) error
}

// RejectionCounter is the metrics hook; the observability provider
// satisfies it.
type RejectionCounter interface {
	IntegrityRejection(ctx context.Context, mode string)
}

// EventResultAccepted is emitted to the journal on acceptance.
const EventResultAccepted = "result.accepted"

// Verifier checks and persists result submissions.
type Verifier struct {
	store       ResultStore
	appender    journal.Appender
	completer   Completer
	metrics     RejectionCounter
	defaultMode canonicalize.DigestMode
	rejected    atomic.Int64
}

// NewVerifier creates a verifier. appender, completer, and metrics may
// be nil.
func NewVerifier(store ResultStore, appender journal.Appender, completer Completer, metrics RejectionCounter) *Verifier {
	return &Verifier{
		store:       store,
		appender:    appender,
		completer:   completer,
		metrics:     metrics,
		defaultMode: canonicalize.DefaultMode,
	}
}

// WithDefaultMode overrides the digest mode assumed when a submission
// omits one. An empty or unknown mode keeps the current default.
func (v *Verifier) WithDefaultMode(mode canonicalize.DigestMode) *Verifier {
	if canonicalize.ValidMode(mode) {
		v.defaultMode = mode
	}
	return v
}

// coreDigest computes the digest over the core fields in the fixed
// canonical form. result_id is deliberately excluded.
func coreDigest(mode canonicalize.DigestMode, sub Submission) (string, error) {
	return canonicalize.Digest(mode, map[string]any{
		"job_id": sub.JobID,
		"ok":     sub.OK,
		"result": sub.Result,
		"error":  sub.Error,
	})
}

// ComputeDigest is the submitter-side helper; tests and clients use it
// to produce a valid integrity block.
func ComputeDigest(mode canonicalize.DigestMode, sub Submission) (string, error) {
	if mode == "" {
		mode = canonicalize.DefaultMode
	}
	return coreDigest(mode, sub)
}

// Submit verifies and persists one submission. A repeated submission of
// an already accepted result_id is acknowledged without rewriting it.
func (v *Verifier) Submit(ctx context.Context, sub Submission) error {
	if sub.ResultID == "" || sub.JobID == "" {
		return errors.New("integrity: result_id and job_id required")
	}

	mode := sub.Integrity.Mode
	if mode == "" {
		mode = v.defaultMode
	}
	if !canonicalize.ValidMode(mode) {
		return fmt.Errorf("integrity: unknown digest mode %q", mode)
	}

	computed, err := coreDigest(mode, sub)
	if err != nil {
		return err
	}
	if computed != sub.Integrity.Digest {
		v.rejected.Add(1)
		if v.metrics != nil {
			v.metrics.IntegrityRejection(ctx, string(mode))
		}
		return ErrDigestMismatch
	}

	if existing, ok := v.store.Get(sub.ResultID); ok {
		// Accepted results are immutable; an identical replay is fine.
		if existing.Integrity.Digest == sub.Integrity.Digest {
			return nil
		}
		return fmt.Errorf("integrity: result %s already accepted with a different digest", sub.ResultID)
	}

	if err := v.store.Put(sub); err != nil {
		return err
	}

	if v.appender != nil {
		if _, err := v.appender.Append(EventResultAccepted, submissionPayload(sub)); err != nil {
			return fmt.Errorf("integrity: journal result: %w", err)
		}
	}
	if v.completer != nil {
		if err := v.completer.Complete(ctx, sub.JobID, sub.ResultID); err != nil {
			return fmt.Errorf("integrity: complete job: %w", err)
		}
	}
	return nil
}

// Rejections returns the observable rejection count.
func (v *Verifier) Rejections() int64 {
	return v.rejected.Load()
}
