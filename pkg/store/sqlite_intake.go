// Package store provides durable projection stores for the hub's derived
// state (idempotency records, accepted results). The journal stays the
// source of truth; these stores survive restarts without a full replay.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetward/hub/pkg/intake"
)

// SQLiteIntakeStore implements intake.Store on a local SQLite database.
type SQLiteIntakeStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the hub's SQLite database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer at a time keeps SQLite happy under concurrent handlers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteIntakeStore creates the store and its schema.
func NewSQLiteIntakeStore(db *sql.DB) (*SQLiteIntakeStore, error) {
	s := &SQLiteIntakeStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIntakeStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		idempotency_key TEXT PRIMARY KEY,
		payload_fingerprint TEXT NOT NULL,
		job_id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Get implements intake.Store.
func (s *SQLiteIntakeStore) Get(key string) (intake.Record, bool, error) {
	row := s.db.QueryRow(
		`SELECT idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at
		 FROM idempotency_records WHERE idempotency_key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return intake.Record{}, false, nil
	}
	if err != nil {
		return intake.Record{}, false, err
	}
	return rec, true, nil
}

// Create implements intake.Store.
func (s *SQLiteIntakeStore) Create(rec intake.Record) error {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_records
		 (idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.IdempotencyKey, rec.PayloadFingerprint, rec.JobID, rec.RequestID,
		string(rec.Status), rec.ResultRef, rec.CreatedAt.UTC())
	return err
}

// CompleteJob implements intake.Store.
func (s *SQLiteIntakeStore) CompleteJob(jobID, resultRef string) (intake.Record, error) {
	res, err := s.db.Exec(
		`UPDATE idempotency_records SET status = ?, result_ref = ? WHERE job_id = ?`,
		string(intake.StatusCompleted), resultRef, jobID)
	if err != nil {
		return intake.Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return intake.Record{}, intake.ErrNotFound
	}

	row := s.db.QueryRow(
		`SELECT idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at
		 FROM idempotency_records WHERE job_id = ?`, jobID)
	return scanRecord(row)
}

// Put implements intake.Store (replica replay path).
func (s *SQLiteIntakeStore) Put(rec intake.Record) error {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_records
		 (idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO UPDATE SET
		   status = excluded.status,
		   result_ref = excluded.result_ref`,
		rec.IdempotencyKey, rec.PayloadFingerprint, rec.JobID, rec.RequestID,
		string(rec.Status), rec.ResultRef, rec.CreatedAt.UTC())
	return err
}

// Sweep implements intake.Store.
func (s *SQLiteIntakeStore) Sweep(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM idempotency_records WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (intake.Record, error) {
	var rec intake.Record
	var status string
	if err := row.Scan(&rec.IdempotencyKey, &rec.PayloadFingerprint, &rec.JobID,
		&rec.RequestID, &status, &rec.ResultRef, &rec.CreatedAt); err != nil {
		return intake.Record{}, err
	}
	rec.Status = intake.Status(status)
	return rec, nil
}
