package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediafetch/internal/domain"
	"mediafetch/internal/repository"
)

const (
	createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	quality TEXT NOT NULL DEFAULT '',
	audio_only INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	file_ref TEXT NOT NULL DEFAULT '',
	failure_kind TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id, created_at);
`
	jobColumns = `id, user_id, url, platform, quality, audio_only, state, fingerprint, title, bytes_transferred, total_bytes, file_ref, from_cache, coalesced, cancel_requested, failure_kind, reason, created_at, updated_at, finished_at`
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	if err := r.ensureJobColumns(ctx); err != nil {
		return err
	}
	return nil
}

// ensureJobColumns adds columns introduced after the first schema.
func (r *JobRepository) ensureJobColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(jobs)`)
	if err != nil {
		return fmt.Errorf("describe jobs table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("from_cache", `ALTER TABLE jobs ADD COLUMN from_cache INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("coalesced", `ALTER TABLE jobs ADD COLUMN coalesced INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("cancel_requested", `ALTER TABLE jobs ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	return nil
}

// Save inserts or replaces the job row.
func (r *JobRepository) Save(ctx context.Context, job *domain.JobSnapshot) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	platform=excluded.platform, quality=excluded.quality, audio_only=excluded.audio_only,
	state=excluded.state, fingerprint=excluded.fingerprint, title=excluded.title,
	bytes_transferred=excluded.bytes_transferred, total_bytes=excluded.total_bytes,
	file_ref=excluded.file_ref, from_cache=excluded.from_cache, coalesced=excluded.coalesced,
	cancel_requested=excluded.cancel_requested, failure_kind=excluded.failure_kind,
	reason=excluded.reason, updated_at=excluded.updated_at, finished_at=excluded.finished_at`,
		job.ID,
		job.UserID,
		job.URL,
		string(job.Platform),
		job.Quality,
		job.AudioOnly,
		string(job.State),
		job.Fingerprint,
		job.Title,
		job.BytesTransferred,
		job.TotalBytes,
		job.FileRef,
		job.FromCache,
		job.Coalesced,
		job.CancelRequested,
		string(job.FailureKind),
		job.Reason,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.JobSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, "job "+id, nil)
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.JobSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE user_id=?
ORDER BY created_at DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *JobRepository) ListByStates(ctx context.Context, states ...domain.JobState) ([]domain.JobSnapshot, error) {
	if len(states) == 0 {
		return []domain.JobSnapshot{}, nil
	}

	placeholders := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, state := range states {
		placeholders[i] = "?"
		args[i] = string(state)
	}

	query := fmt.Sprintf(`
SELECT %s
FROM jobs
WHERE state IN (%s)
ORDER BY created_at ASC`, jobColumns, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs by state: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]domain.JobSnapshot, error) {
	var jobs []domain.JobSnapshot
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*domain.JobSnapshot, error) {
	var (
		job         domain.JobSnapshot
		platform    string
		state       string
		failureKind string
		finishedAt  sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID,
		&job.UserID,
		&job.URL,
		&platform,
		&job.Quality,
		&job.AudioOnly,
		&state,
		&job.Fingerprint,
		&job.Title,
		&job.BytesTransferred,
		&job.TotalBytes,
		&job.FileRef,
		&job.FromCache,
		&job.Coalesced,
		&job.CancelRequested,
		&failureKind,
		&job.Reason,
		&job.CreatedAt,
		&job.UpdatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Platform = domain.Platform(platform)
	job.State = domain.JobState(state)
	job.FailureKind = domain.Kind(failureKind)
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
