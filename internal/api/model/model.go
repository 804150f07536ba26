package model

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// Job is one row of the jobs table as the API sees it
type Job struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	UserID         string         `db:"user_id"`
	JobType        string         `db:"job_type"`
	Payload        []byte         `db:"payload"`
	Status         string         `db:"status"`
	Attempts       int64          `db:"attempts"`
	MaxAttempts    int64          `db:"max_attempts"`
	Progress       float64        `db:"progress"`
	LastError      sql.NullString `db:"last_error"`
	Result         []byte         `db:"result"`
	NextRunAt      sql.NullTime   `db:"next_run_at"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func optionalTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Metadata returns the lifecycle record of the row so transitions follow the job state machine
func (j *Job) Metadata() *domain.JobMetadata {
	id, _ := uuid.Parse(j.JobID)

	md := &domain.JobMetadata{
		ID:          id,
		JobType:     j.JobType,
		Status:      domain.JobStatus(j.Status),
		CreatedAt:   j.CreatedAt.UTC(),
		StartedAt:   optionalTime(j.StartedAt),
		CompletedAt: optionalTime(j.CompletedAt),
		NextRunAt:   optionalTime(j.NextRunAt),
		Attempts:    uint32(j.Attempts),
		MaxAttempts: uint32(j.MaxAttempts),
		Progress:    j.Progress,
	}
	if j.LastError.Valid {
		msg := j.LastError.String
		md.LastError = &msg
	}
	return md
}

// Apply copies the lifecycle fields of md onto the row
func (j *Job) Apply(md *domain.JobMetadata) {
	j.Status = md.Status.String()
	j.Attempts = int64(md.Attempts)
	j.Progress = md.Progress
	j.NextRunAt = nullTime(md.NextRunAt)
	j.StartedAt = nullTime(md.StartedAt)
	j.CompletedAt = nullTime(md.CompletedAt)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// ResultJSON returns the stored execution result, nil when none was saved
func (j *Job) ResultJSON() json.RawMessage {
	if len(j.Result) == 0 {
		return nil
	}
	return json.RawMessage(j.Result)
}
