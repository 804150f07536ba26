package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	JobID       uuid.UUID      `db:"job_id"`
	JobType     string         `db:"job_type"`
	Payload     []byte         `db:"payload"`
	Status      string         `db:"status"`
	Attempts    int64          `db:"attempts"`
	MaxAttempts int64          `db:"max_attempts"`
	Progress    float64        `db:"progress"`
	LastError   sql.NullString `db:"last_error"`
	Metadata    []byte         `db:"metadata"`
	NextRunAt   sql.NullTime   `db:"next_run_at"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r jobRow) toJob() *domain.Job {
	md := domain.JobMetadata{
		ID:          r.JobID,
		JobType:     r.JobType,
		Status:      domain.JobStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   nullTime(r.StartedAt),
		CompletedAt: nullTime(r.CompletedAt),
		NextRunAt:   nullTime(r.NextRunAt),
		Attempts:    uint32(r.Attempts),
		MaxAttempts: uint32(r.MaxAttempts),
		Progress:    r.Progress,
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		md.LastError = &msg
	}
	if len(r.Metadata) > 0 {
		md.Metadata = json.RawMessage(r.Metadata)
	}

	return &domain.Job{
		Metadata: md,
		Envelope: json.RawMessage(r.Payload),
	}
}

// GetJob loads a job with its lifecycle record and envelope
func (s *Storage) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	query := `
		SELECT job_id, job_type, payload, status, attempts, max_attempts, progress,
		       last_error, metadata, next_run_at, created_at, started_at, completed_at
		FROM jobs
		WHERE job_id = $1
	`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob(), nil
}

// ClaimJob persists an attempt md has just started, using optimistic locking: the row
// must still be in status from with the attempt count md had before Start. Otherwise
// ErrJobNotClaimable is returned and the job must not run.
func (s *Storage) ClaimJob(ctx context.Context, md *domain.JobMetadata, from domain.JobStatus) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    attempts = $3,
		    progress = $4,
		    next_run_at = NULL,
		    started_at = $5,
		    completed_at = NULL,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status = $6
		  AND attempts = $7
	`

	res, err := s.db.ExecContext(ctx, query,
		md.ID,
		md.Status,
		int64(md.Attempts),
		md.Progress,
		toNullTime(md.StartedAt),
		from,
		int64(md.Attempts)-1,
	)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Failed to claim job - status changed or not found",
			slog.String("job_id", md.ID.String()),
			slog.String("expected_status", from.String()),
		)
		return domain.ErrJobNotClaimable
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", md.ID.String()),
		slog.Uint64("attempt", uint64(md.Attempts)),
	)
	return nil
}

// SaveMetadata writes the lifecycle fields of md back to its row. The write only lands
// while the row is still the RUNNING attempt md describes; otherwise ErrAttemptSuperseded.
func (s *Storage) SaveMetadata(ctx context.Context, md *domain.JobMetadata) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    progress = $4,
		    last_error = $5,
		    next_run_at = $6,
		    started_at = $7,
		    completed_at = $8,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status = 'RUNNING'
		  AND attempts = $3
	`

	var lastError sql.NullString
	if md.LastError != nil {
		lastError = sql.NullString{String: *md.LastError, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query,
		md.ID,
		md.Status,
		int64(md.Attempts),
		md.Progress,
		lastError,
		toNullTime(md.NextRunAt),
		toNullTime(md.StartedAt),
		toNullTime(md.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAttemptSuperseded
	}

	s.logger.Debug("Job status updated",
		slog.String("job_id", md.ID.String()),
		slog.String("status", md.Status.String()),
		slog.Uint64("attempts", uint64(md.Attempts)),
	)
	return nil
}

// Heartbeat marks the running attempt as alive
func (s *Storage) Heartbeat(ctx context.Context, jobID uuid.UUID, attempt uint32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = NOW() WHERE job_id = $1 AND status = 'RUNNING' AND attempts = $2`,
		jobID, int64(attempt),
	)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrAttemptSuperseded
	}
	return nil
}

// staleJobMessage is the last_error of a RUNNING job whose worker stopped heartbeating
const staleJobMessage = "worker stopped reporting while the job was running"

// ReleaseStaleJobs ends RUNNING attempts with no heartbeat since staleBefore. Jobs with
// attempts left become RETRYING and due now; their ids are returned for queueing.
// The rest become FAILED.
func (s *Storage) ReleaseStaleJobs(ctx context.Context, staleBefore time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN 'RETRYING' ELSE 'FAILED' END,
		    last_error = $2,
		    next_run_at = CASE WHEN attempts < max_attempts THEN NOW() ELSE NULL END,
		    completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
		    updated_at = NOW()
		WHERE status = 'RUNNING'
		  AND COALESCE(heartbeat_at, started_at, updated_at) < $1
		RETURNING job_id, status
	`

	var rows []struct {
		JobID  uuid.UUID        `db:"job_id"`
		Status domain.JobStatus `db:"status"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, staleBefore, staleJobMessage); err != nil {
		return nil, fmt.Errorf("failed to release stale jobs: %w", err)
	}

	var retrying []uuid.UUID
	for _, row := range rows {
		if row.Status == domain.JobStatusRetrying {
			retrying = append(retrying, row.JobID)
		}
	}

	if len(rows) > 0 {
		s.logger.Warn("Released stale running jobs",
			slog.Int("released", len(rows)),
			slog.Int("retrying", len(retrying)),
			slog.Time("stale_before", staleBefore),
		)
	}
	return retrying, nil
}

// OrphanedJobs lists PENDING and RETRYING jobs untouched since staleBefore whose run time
// has also passed it, oldest first. Their queue entries may have been lost.
func (s *Storage) OrphanedJobs(ctx context.Context, staleBefore time.Time, limit int) ([]domain.DueJob, error) {
	query := `
		SELECT job_id, next_run_at
		FROM jobs
		WHERE status IN ('PENDING', 'RETRYING')
		  AND updated_at < $1
		  AND (next_run_at IS NULL OR next_run_at < $1)
		ORDER BY COALESCE(next_run_at, created_at)
		LIMIT $2
	`

	var jobs []domain.DueJob
	if err := s.db.SelectContext(ctx, &jobs, query, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}
	return jobs, nil
}

// SaveResult stores the handler result of the final attempt
func (s *Storage) SaveResult(ctx context.Context, jobID uuid.UUID, result *domain.ExecutionResult) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET result = $2, updated_at = NOW() WHERE job_id = $1`,
		jobID, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}
	return nil
}

// CountByTypeAndStatus aggregates jobs created in [from, to)
func (s *Storage) CountByTypeAndStatus(ctx context.Context, from, to time.Time) ([]domain.JobCount, error) {
	query := `
		SELECT job_type,
		       status,
		       COUNT(*) AS count,
		       COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)::float8 AS avg_duration_ms
		FROM jobs
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY job_type, status
		ORDER BY job_type, status
	`

	var counts []domain.JobCount
	if err := s.db.SelectContext(ctx, &counts, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts, nil
}

const terminalCondition = `
	completed_at < $1
	AND NOT (job_type = ANY($2))
	AND (status IN ('COMPLETED', 'CANCELED') OR (status = 'FAILED' AND attempts >= max_attempts))
`

// PurgeTerminalJobs deletes finished jobs completed before olderThan.
// With dryRun set it only counts what would be deleted.
func (s *Storage) PurgeTerminalJobs(ctx context.Context, olderThan time.Time, preserveTypes []string, dryRun bool) (int64, error) {
	if preserveTypes == nil {
		preserveTypes = []string{}
	}
	types := pq.Array(preserveTypes)

	if dryRun {
		var count int64
		if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE `+terminalCondition, olderThan, types); err != nil {
			return 0, fmt.Errorf("failed to count purgeable jobs: %w", err)
		}
		return count, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE `+terminalCondition, olderThan, types)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Purged terminal jobs",
		slog.Int64("removed", removed),
		slog.Time("older_than", olderThan),
	)
	return removed, nil
}
