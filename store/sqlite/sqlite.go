/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements reconciliation.TxJobStore and reconciliation.ConfigStore using
  SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  reconciliation.JobStore:    Jobs, timelines, indexed listing
  reconciliation.TxJobStore:  Atomic job + timeline writes
  reconciliation.ConfigStore: Persisted default configuration

KEY TABLES:
  reconciliation_jobs:      One row per job; the full job as JSON plus the
                            columns the invariants need
  job_index:                (kind, key) -> job_id for district, month, status
  reconciliation_timelines: One JSON timeline per job
  reconciliation_config:    Single-row default configuration

INDEXES:
  - idx_one_active_job: Partial unique index, at most one active job per
    (district_id, target_month). The database enforces it even if two
    processes race past the application check.
  - job_index primary key: the secondary lookup used by ListJobs

INDEX CONSISTENCY:
  Every job write rewrites its job_index rows inside the same SQL
  transaction. job_index and timelines cascade on job delete.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/reconciliation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - reconciliation/store.go: Interface definitions
  - reconciliation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/reconciliation-engine/reconciliation"
)

// Store implements the reconciliation storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Jobs: full record as JSON, plus the columns constraints and ordering need
	CREATE TABLE IF NOT EXISTS reconciliation_jobs (
		id TEXT PRIMARY KEY,
		district_id TEXT NOT NULL,
		target_month TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		next_check_at INTEGER NOT NULL,
		job_json TEXT NOT NULL
	);

	-- CRITICAL: At most one active job per (district, month)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_job
		ON reconciliation_jobs(district_id, target_month)
		WHERE status = 'active';

	CREATE INDEX IF NOT EXISTS idx_jobs_created_at
		ON reconciliation_jobs(created_at DESC);

	-- Secondary indices: kind is district, month or status
	CREATE TABLE IF NOT EXISTS job_index (
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		job_id TEXT NOT NULL REFERENCES reconciliation_jobs(id) ON DELETE CASCADE,
		PRIMARY KEY (kind, key, job_id)
	);

	CREATE INDEX IF NOT EXISTS idx_job_index_job
		ON job_index(job_id);

	-- Timelines
	CREATE TABLE IF NOT EXISTS reconciliation_timelines (
		job_id TEXT PRIMARY KEY REFERENCES reconciliation_jobs(id) ON DELETE CASCADE,
		timeline_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Default configuration (single row)
	CREATE TABLE IF NOT EXISTS reconciliation_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	indexDistrict = "district"
	indexMonth    = "month"
	indexStatus   = "status"
)

// =============================================================================
// JOB STORE
// =============================================================================

// CreateJob inserts the job and its index rows atomically.
func (s *Store) CreateJob(ctx context.Context, job reconciliation.Job) error {
	return s.WithTx(ctx, func(tx reconciliation.JobStore) error {
		return tx.CreateJob(ctx, job)
	})
}

func (s *Store) GetJob(ctx context.Context, id reconciliation.JobID) (*reconciliation.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getJob(ctx, s.db, id)
}

// UpdateJob replaces the job and rewrites its index rows atomically.
func (s *Store) UpdateJob(ctx context.Context, job reconciliation.Job) error {
	return s.WithTx(ctx, func(tx reconciliation.JobStore) error {
		return tx.UpdateJob(ctx, job)
	})
}

func (s *Store) ListJobs(ctx context.Context, filter reconciliation.JobFilter) ([]reconciliation.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listJobs(ctx, s.db, filter)
}

func (s *Store) DeleteJob(ctx context.Context, id reconciliation.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteJob(ctx, s.db, id)
}

func (s *Store) SaveTimeline(ctx context.Context, tl reconciliation.Timeline, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTimeline(ctx, s.db, tl, updatedAt)
}

func (s *Store) GetTimeline(ctx context.Context, id reconciliation.JobID) (*reconciliation.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTimeline(ctx, s.db, id)
}

// -----------------------------------------------------------------------------
// shared implementations over dbtx
// -----------------------------------------------------------------------------

func createJob(ctx context.Context, db dbtx, job reconciliation.Job) error {
	if err := checkActive(ctx, db, job); err != nil {
		return err
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query := `
		INSERT INTO reconciliation_jobs
		(id, district_id, target_month, status, created_at, next_check_at, job_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		job.ID,
		job.DistrictID,
		job.TargetMonth,
		job.Status,
		job.Metadata.CreatedAt.UnixNano(),
		job.NextCheckDate.UnixNano(),
		string(jobJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return activeConflict(ctx, db, job, err)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return writeIndex(ctx, db, job)
}

func getJob(ctx context.Context, db dbtx, id reconciliation.JobID) (*reconciliation.Job, error) {
	var jobJSON string
	err := db.QueryRowContext(ctx, `SELECT job_json FROM reconciliation_jobs WHERE id = ?`, id).Scan(&jobJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconciliation.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job reconciliation.Job
	if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func updateJob(ctx context.Context, db dbtx, job reconciliation.Job) error {
	if err := checkActive(ctx, db, job); err != nil {
		return err
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	query := `
		UPDATE reconciliation_jobs
		SET district_id = ?, target_month = ?, status = ?, next_check_at = ?, job_json = ?
		WHERE id = ?
	`
	res, err := db.ExecContext(ctx, query,
		job.DistrictID,
		job.TargetMonth,
		job.Status,
		job.NextCheckDate.UnixNano(),
		string(jobJSON),
		job.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return activeConflict(ctx, db, job, err)
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return reconciliation.ErrJobNotFound
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM job_index WHERE job_id = ?`, job.ID); err != nil {
		return fmt.Errorf("failed to clear job index: %w", err)
	}
	return writeIndex(ctx, db, job)
}

func writeIndex(ctx context.Context, db dbtx, job reconciliation.Job) error {
	query := `INSERT INTO job_index (kind, key, job_id) VALUES (?, ?, ?), (?, ?, ?), (?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		indexDistrict, job.DistrictID, job.ID,
		indexMonth, job.TargetMonth, job.ID,
		indexStatus, string(job.Status), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to write job index: %w", err)
	}
	return nil
}

// checkActive reports an existing active job for the same pair as a
// ConflictError, so callers get the existing job's id.
func checkActive(ctx context.Context, db dbtx, job reconciliation.Job) error {
	if job.Status != reconciliation.StatusActive {
		return nil
	}
	var existing string
	err := db.QueryRowContext(ctx, `
		SELECT id FROM reconciliation_jobs
		WHERE district_id = ? AND target_month = ? AND status = 'active' AND id != ?
	`, job.DistrictID, job.TargetMonth, job.ID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check active jobs: %w", err)
	}
	return &reconciliation.ConflictError{
		DistrictID:    job.DistrictID,
		TargetMonth:   job.TargetMonth,
		ExistingJobID: reconciliation.JobID(existing),
	}
}

func activeConflict(ctx context.Context, db dbtx, job reconciliation.Job, cause error) error {
	if err := checkActive(ctx, db, job); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", job.ID, cause)
}

func listJobs(ctx context.Context, db dbtx, filter reconciliation.JobFilter) ([]reconciliation.Job, error) {
	var (
		where []string
		args  []any
	)
	byIndex := func(kind, key string) {
		where = append(where, `j.id IN (SELECT job_id FROM job_index WHERE kind = ? AND key = ?)`)
		args = append(args, kind, key)
	}
	if filter.DistrictID != "" {
		byIndex(indexDistrict, filter.DistrictID)
	}
	if filter.TargetMonth != "" {
		byIndex(indexMonth, filter.TargetMonth)
	}
	if filter.Status != "" {
		byIndex(indexStatus, string(filter.Status))
	}

	query := `SELECT j.job_json FROM reconciliation_jobs j`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY j.created_at DESC, j.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []reconciliation.Job
	for rows.Next() {
		var jobJSON string
		if err := rows.Scan(&jobJSON); err != nil {
			return nil, err
		}
		var job reconciliation.Job
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func deleteJob(ctx context.Context, db dbtx, id reconciliation.JobID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM reconciliation_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return reconciliation.ErrJobNotFound
	}
	return nil
}

func saveTimeline(ctx context.Context, db dbtx, tl reconciliation.Timeline, updatedAt time.Time) error {
	if err := jobExists(ctx, db, tl.JobID); err != nil {
		return err
	}

	tlJSON, err := json.Marshal(tl)
	if err != nil {
		return fmt.Errorf("failed to encode timeline: %w", err)
	}

	query := `
		INSERT INTO reconciliation_timelines (job_id, timeline_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			timeline_json = excluded.timeline_json,
			updated_at = excluded.updated_at
	`
	_, err = db.ExecContext(ctx, query, tl.JobID, string(tlJSON), updatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save timeline: %w", err)
	}
	return nil
}

func getTimeline(ctx context.Context, db dbtx, id reconciliation.JobID) (*reconciliation.Timeline, error) {
	if err := jobExists(ctx, db, id); err != nil {
		return nil, err
	}

	var tlJSON string
	err := db.QueryRowContext(ctx, `SELECT timeline_json FROM reconciliation_timelines WHERE job_id = ?`, id).Scan(&tlJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return &reconciliation.Timeline{JobID: id, Entries: []reconciliation.Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline: %w", err)
	}

	var tl reconciliation.Timeline
	if err := json.Unmarshal([]byte(tlJSON), &tl); err != nil {
		return nil, fmt.Errorf("failed to decode timeline %s: %w", id, err)
	}
	if tl.Entries == nil {
		tl.Entries = []reconciliation.Entry{}
	}
	return &tl, nil
}

func jobExists(ctx context.Context, db dbtx, id reconciliation.JobID) error {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_jobs WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if n == 0 {
		return reconciliation.ErrJobNotFound
	}
	return nil
}

// =============================================================================
// CONFIG STORE
// =============================================================================

func (s *Store) LoadConfig(ctx context.Context) (reconciliation.Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cfgJSON string
	err := s.db.QueryRowContext(ctx, `SELECT config_json FROM reconciliation_config WHERE id = 1`).Scan(&cfgJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return reconciliation.Config{}, false, nil
	}
	if err != nil {
		return reconciliation.Config{}, false, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg reconciliation.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return reconciliation.Config{}, false, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, true, nil
}

func (s *Store) SaveConfig(ctx context.Context, cfg reconciliation.Config, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	query := `
		INSERT INTO reconciliation_config (id, config_json, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, string(cfgJSON), updatedAt.UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store reconciliation.JobStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is a JobStore bound to an open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateJob(ctx context.Context, job reconciliation.Job) error {
	return createJob(ctx, ts.tx, job)
}

func (ts *txStore) GetJob(ctx context.Context, id reconciliation.JobID) (*reconciliation.Job, error) {
	return getJob(ctx, ts.tx, id)
}

func (ts *txStore) UpdateJob(ctx context.Context, job reconciliation.Job) error {
	return updateJob(ctx, ts.tx, job)
}

func (ts *txStore) ListJobs(ctx context.Context, filter reconciliation.JobFilter) ([]reconciliation.Job, error) {
	return listJobs(ctx, ts.tx, filter)
}

func (ts *txStore) DeleteJob(ctx context.Context, id reconciliation.JobID) error {
	return deleteJob(ctx, ts.tx, id)
}

func (ts *txStore) SaveTimeline(ctx context.Context, tl reconciliation.Timeline, updatedAt time.Time) error {
	return saveTimeline(ctx, ts.tx, tl, updatedAt)
}

func (ts *txStore) GetTimeline(ctx context.Context, id reconciliation.JobID) (*reconciliation.Timeline, error) {
	return getTimeline(ctx, ts.tx, id)
}

// Helper functions

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
