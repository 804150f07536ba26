package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/emr-jobs/internal/api/domain"
	"github.com/cuongbtq/emr-jobs/internal/api/model"
	"github.com/cuongbtq/emr-jobs/shared/postgresql"
)

const uniqueViolation = "23505"

const jobColumns = `
	job_id, COALESCE(idempotency_key, '') AS idempotency_key, COALESCE(user_id, '') AS user_id,
	job_type, payload, status, attempts, max_attempts, progress, last_error, result,
	next_run_at, created_at, started_at, completed_at, updated_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, idempotency_key, user_id, job_type,
			payload, status, max_attempts, next_run_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.IdempotencyKey,
		job.UserID,
		job.JobType,
		job.Payload,
		job.Status,
		job.MaxAttempts,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) getJob(ctx context.Context, q sqlx.QueryerContext, where string, arg any) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where

	if err := sqlx.GetContext(ctx, q, &job, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, s.db, "job_id = $1", jobID)
}

func (s *Storage) GetJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	return s.getJob(ctx, s.db, "idempotency_key = $1", key)
}

type JobFilter struct {
	UserID   string
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// one extra row tells the caller whether another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CancelJob moves a PENDING or RETRYING job to CANCELED under a row lock
func (s *Storage) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.getJob(ctx, tx, "job_id = $1 FOR UPDATE", jobID)
	if err != nil {
		return nil, err
	}

	md := job.Metadata()
	if err := md.Cancel(); err != nil {
		return job, fmt.Errorf("%w: %s", domain.ErrJobNotCancelable, job.Status)
	}
	job.Apply(md)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = $3, next_run_at = NULL, updated_at = NOW()
		WHERE job_id = $1
	`, jobID, job.Status, job.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return job, nil
}

// DeleteJob removes a job that will not run again
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.getJob(ctx, tx, "job_id = $1 FOR UPDATE", jobID)
	if err != nil {
		return err
	}
	if !job.Metadata().IsTerminal() {
		return fmt.Errorf("%w: %s", domain.ErrJobNotDeletable, job.Status)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}
