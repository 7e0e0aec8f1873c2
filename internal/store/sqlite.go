// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides job/exec-history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			executor_id TEXT NOT NULL DEFAULT '',
			job_type TEXT NOT NULL DEFAULT 'default',
			created_user TEXT NOT NULL DEFAULT '',
			targets TEXT NOT NULL,
			trigger TEXT NOT NULL,
			action TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);

		CREATE TABLE IF NOT EXISTS exec_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			key TEXT NOT NULL,
			run INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			fired_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exec_job ON exec_history(job_id, fired_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveJob inserts or updates a job definition.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *Job) error {
	targets, err := json.Marshal(job.Targets)
	if err != nil {
		return fmt.Errorf("marshaling targets: %w", err)
	}
	trigger, err := json.Marshal(job.Trigger)
	if err != nil {
		return fmt.Errorf("marshaling trigger: %w", err)
	}
	action, err := json.Marshal(job.Action)
	if err != nil {
		return fmt.Errorf("marshaling action: %w", err)
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, executor_id, job_type, created_user, targets, trigger, action, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			executor_id = excluded.executor_id,
			job_type = excluded.job_type,
			targets = excluded.targets,
			trigger = excluded.trigger,
			action = excluded.action,
			updated_at = excluded.updated_at
	`, job.ID, job.Name, job.ExecutorID, job.JobType, job.CreatedUser,
		string(targets), string(trigger), string(action), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, executor_id, job_type, created_user, targets, trigger, action, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var targets, trigger, action string
	err := row.Scan(&job.ID, &job.Name, &job.ExecutorID, &job.JobType, &job.CreatedUser,
		&targets, &trigger, &action, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &job.Targets); err != nil {
		return nil, fmt.Errorf("unmarshaling targets: %w", err)
	}
	if err := json.Unmarshal([]byte(trigger), &job.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshaling trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(action), &job.Action); err != nil {
		return nil, fmt.Errorf("unmarshaling action: %w", err)
	}
	return &job, nil
}

// DeleteJob removes a job definition. Jobs with recorded executions are kept
// for audit and cannot be deleted.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exec_history WHERE job_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("checking exec history: %w", err)
	}
	if count > 0 {
		return ErrJobExecuted
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns a filtered page of jobs, newest first, plus the total
// count matching the filter.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, int64, error) {
	var conds []string
	var args []any

	if filter.CreatedUser != "" {
		conds = append(conds, "created_user = ?")
		args = append(args, filter.CreatedUser)
	}
	if filter.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, filter.JobType)
	}
	if filter.NameContains != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+filter.NameContains+"%")
	}
	if !filter.UpdatedAfter.IsZero() {
		conds = append(conds, "updated_at > ?")
		args = append(args, filter.UpdatedAfter)
	}
	if !filter.UpdatedBefore.IsZero() {
		conds = append(conds, "updated_at < ?")
		args = append(args, filter.UpdatedBefore)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	page, size := normalizePage(filter.Page, filter.PageSize)
	query := `
		SELECT id, name, executor_id, job_type, created_user, targets, trigger, action, created_at, updated_at
		FROM jobs` + where + ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, size, (page-1)*size)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// RecordExec appends one dispatch occurrence to the history.
func (s *SQLiteStore) RecordExec(ctx context.Context, rec *ExecRecord) error {
	if rec.FiredAt.IsZero() {
		rec.FiredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exec_history (job_id, key, run, status, error, fired_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.Key, rec.Run, rec.Status, rec.Error, rec.FiredAt)
	if err != nil {
		return fmt.Errorf("recording exec: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ListExec returns a page of a job's run history, newest first.
func (s *SQLiteStore) ListExec(ctx context.Context, jobID string, page, pageSize int) ([]*ExecRecord, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exec_history WHERE job_id = ?`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting exec history: %w", err)
	}

	p, size := normalizePage(page, pageSize)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, key, run, status, error, fired_at
		FROM exec_history WHERE job_id = ?
		ORDER BY fired_at DESC, id DESC LIMIT ? OFFSET ?
	`, jobID, size, (p-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("listing exec history: %w", err)
	}
	defer rows.Close()

	var recs []*ExecRecord
	for rows.Next() {
		var rec ExecRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Key, &rec.Run, &rec.Status, &rec.Error, &rec.FiredAt); err != nil {
			return nil, 0, fmt.Errorf("scanning exec record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, total, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 500 {
		size = 20
	}
	return page, size
}
