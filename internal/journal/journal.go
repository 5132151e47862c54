// ABOUTME: SQLite journal of bus-dispatched jobs using modernc.org/sqlite.
// ABOUTME: Records submissions and completions so operators can see in-flight work.

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Job is one journaled unit of work. Only coordination state is recorded;
// payloads never touch the journal.
type Job struct {
	RequestID   string     `json:"request_id"`
	UserID      string     `json:"user_id,omitempty"`
	Action      string     `json:"action"`
	Topic       string     `json:"topic"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Journal persists job records in SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a Journal at the given path, creating parent directories and
// the schema as needed. Use ":memory:" for an ephemeral journal.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	logger.Info("job journal initialized", "path", path)
	return j, nil
}

func (j *Journal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			request_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			topic TEXT NOT NULL,
			submitted_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordSubmission inserts a job row at dispatch time. A resubmission with
// the same request id updates the original row rather than failing, since a
// request id identifies one logical unit of work end-to-end.
func (j *Journal) RecordSubmission(ctx context.Context, requestID, userID, action, topic string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO jobs (request_id, user_id, action, topic, submitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			user_id = excluded.user_id,
			action = excluded.action,
			topic = excluded.topic,
			submitted_at = excluded.submitted_at,
			completed_at = NULL`,
		requestID, userID, action, topic, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording job submission: %w", err)
	}
	return nil
}

// RecordCompletion stamps a job completed. Unknown request ids are ignored:
// results can arrive for jobs submitted by another coordinator instance.
func (j *Journal) RecordCompletion(ctx context.Context, requestID string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE jobs SET completed_at = ? WHERE request_id = ? AND completed_at IS NULL`,
		time.Now().UTC(), requestID)
	if err != nil {
		return fmt.Errorf("recording job completion: %w", err)
	}
	return nil
}

// Get returns one job by request id, or nil if unknown.
func (j *Journal) Get(ctx context.Context, requestID string) (*Job, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT request_id, user_id, action, topic, submitted_at, completed_at
		FROM jobs WHERE request_id = ?`, requestID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading job: %w", err)
	}
	return job, nil
}

// Recent returns the most recently submitted jobs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT request_id, user_id, action, topic, submitted_at, completed_at
		FROM jobs ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var job Job
	var completed sql.NullTime
	if err := s.Scan(&job.RequestID, &job.UserID, &job.Action, &job.Topic, &job.SubmittedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return &job, nil
}
