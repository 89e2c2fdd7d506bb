package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetward/hub/pkg/intake"
)

func newSQLiteStore(t *testing.T) *SQLiteIntakeStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteIntakeStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	rec := intake.Record{
		IdempotencyKey:     "key-1",
		PayloadFingerprint: "fp-1",
		JobID:              "job-1",
		RequestID:          "req-1",
		Status:             intake.StatusAccepted,
		CreatedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := s.Create(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, found, err := s.Get("key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("record not found")
	}
	if got.JobID != rec.JobID || got.PayloadFingerprint != rec.PayloadFingerprint {
		t.Fatalf("round trip = %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}

	if _, found, err := s.Get("missing"); err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}
}

func TestSQLiteCompleteJob(t *testing.T) {
	s := newSQLiteStore(t)
	rec := intake.Record{
		IdempotencyKey:     "key-1",
		PayloadFingerprint: "fp-1",
		JobID:              "job-1",
		RequestID:          "req-1",
		Status:             intake.StatusAccepted,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.Create(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	done, err := s.CompleteJob("job-1", "res-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != intake.StatusCompleted || done.ResultRef != "res-1" {
		t.Fatalf("completed record = %+v", done)
	}

	// Visible to subsequent lookups.
	got, _, err := s.Get("key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != intake.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	if _, err := s.CompleteJob("ghost", "res-2"); !errors.Is(err, intake.ErrNotFound) {
		t.Fatalf("unknown job = %v, want ErrNotFound", err)
	}
}

func TestSQLiteSweep(t *testing.T) {
	s := newSQLiteStore(t)
	old := intake.Record{
		IdempotencyKey: "old", PayloadFingerprint: "fp", JobID: "j1", RequestID: "r1",
		Status: intake.StatusAccepted, CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := intake.Record{
		IdempotencyKey: "fresh", PayloadFingerprint: "fp", JobID: "j2", RequestID: "r2",
		Status: intake.StatusAccepted, CreatedAt: time.Now().UTC(),
	}
	for _, r := range []intake.Record{old, fresh} {
		if err := s.Create(r); err != nil {
			t.Fatalf("create %s: %v", r.IdempotencyKey, err)
		}
	}

	n, err := s.Sweep(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, found, _ := s.Get("old"); found {
		t.Fatal("expired record survived")
	}
	if _, found, _ := s.Get("fresh"); !found {
		t.Fatal("fresh record evicted")
	}
}
