package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fleetward/hub/pkg/intake"
)

// PostgresIntakeStore implements intake.Store on PostgreSQL, for hubs
// that already run against a shared database.
type PostgresIntakeStore struct {
	db *sql.DB
}

// OpenPostgres connects using a lib/pq connection string.
func OpenPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return db, nil
}

// NewPostgresIntakeStore creates the store and its schema.
func NewPostgresIntakeStore(db *sql.DB) (*PostgresIntakeStore, error) {
	s := &PostgresIntakeStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresIntakeStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS idempotency_records (
		idempotency_key TEXT PRIMARY KEY,
		payload_fingerprint TEXT NOT NULL,
		job_id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Get implements intake.Store.
func (s *PostgresIntakeStore) Get(key string) (intake.Record, bool, error) {
	row := s.db.QueryRow(
		`SELECT idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at
		 FROM idempotency_records WHERE idempotency_key = $1`, key)
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
func (s *PostgresIntakeStore) Create(rec intake.Record) error {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_records
		 (idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.IdempotencyKey, rec.PayloadFingerprint, rec.JobID, rec.RequestID,
		string(rec.Status), rec.ResultRef, rec.CreatedAt.UTC())
	return err
}

// CompleteJob implements intake.Store.
func (s *PostgresIntakeStore) CompleteJob(jobID, resultRef string) (intake.Record, error) {
	row := s.db.QueryRow(
		`UPDATE idempotency_records SET status = $1, result_ref = $2 WHERE job_id = $3
		 RETURNING idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at`,
		string(intake.StatusCompleted), resultRef, jobID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return intake.Record{}, intake.ErrNotFound
	}
	return rec, err
}

// Put implements intake.Store (replica replay path).
func (s *PostgresIntakeStore) Put(rec intake.Record) error {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_records
		 (idempotency_key, payload_fingerprint, job_id, request_id, status, result_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO UPDATE SET
		   status = EXCLUDED.status,
		   result_ref = EXCLUDED.result_ref`,
		rec.IdempotencyKey, rec.PayloadFingerprint, rec.JobID, rec.RequestID,
		string(rec.Status), rec.ResultRef, rec.CreatedAt.UTC())
	return err
}

// Sweep implements intake.Store.
func (s *PostgresIntakeStore) Sweep(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM idempotency_records WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
