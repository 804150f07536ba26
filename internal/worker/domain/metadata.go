package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobMetadata is the lifecycle record of one job instance.
// The authoritative copy lives in the job store; the worker owns an in-memory
// copy for the span of one attempt.
type JobMetadata struct {
	ID          uuid.UUID       `json:"id"`
	JobType     string          `json:"job_type"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	Attempts    uint32          `json:"attempts"`
	MaxAttempts uint32          `json:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	Progress    float64         `json:"progress"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// NewJobMetadata creates the record for a newly accepted job
func NewJobMetadata(jobType string) *JobMetadata {
	return &JobMetadata{
		ID:          uuid.New(),
		JobType:     jobType,
		Status:      JobStatusPending,
		CreatedAt:   time.Now().UTC(),
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		Progress:    0,
	}
}

func (m *JobMetadata) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s job %s in status %s", ErrInvalidTransition, op, m.ID, m.Status)
}

// Start begins an attempt. Valid from PENDING or RETRYING; every call counts one attempt.
func (m *JobMetadata) Start() error {
	if m.Status != JobStatusPending && m.Status != JobStatusRetrying {
		return m.invalid("start")
	}

	now := time.Now().UTC()
	m.Status = JobStatusRunning
	m.StartedAt = &now
	m.CompletedAt = nil
	m.NextRunAt = nil
	m.Attempts++
	return nil
}

// Complete finishes the running attempt successfully
func (m *JobMetadata) Complete() error {
	if m.Status != JobStatusRunning {
		return m.invalid("complete")
	}

	now := time.Now().UTC()
	m.Status = JobStatusCompleted
	m.CompletedAt = &now
	m.Progress = 100
	return nil
}

// Fail finishes the running attempt with an error message
func (m *JobMetadata) Fail(errorMessage string) error {
	if m.Status != JobStatusRunning {
		return m.invalid("fail")
	}

	now := time.Now().UTC()
	m.Status = JobStatusFailed
	m.CompletedAt = &now
	m.LastError = &errorMessage
	return nil
}

// CanRetry reports whether a failed job still has attempts left
func (m *JobMetadata) CanRetry() bool {
	return m.Status == JobStatusFailed && m.Attempts < m.MaxAttempts
}

// MarkRetrying re-enters a failed job into the lifecycle, due at runAt
func (m *JobMetadata) MarkRetrying(runAt time.Time) error {
	if !m.CanRetry() {
		return m.invalid("retry")
	}

	runAt = runAt.UTC()
	m.Status = JobStatusRetrying
	m.NextRunAt = &runAt
	m.CompletedAt = nil
	return nil
}

// Cancel stops a job that is not executing. Valid from PENDING or RETRYING.
func (m *JobMetadata) Cancel() error {
	if m.Status != JobStatusPending && m.Status != JobStatusRetrying {
		return m.invalid("cancel")
	}

	now := time.Now().UTC()
	m.Status = JobStatusCanceled
	m.CompletedAt = &now
	m.NextRunAt = nil
	return nil
}

// SetProgress reports partial progress of a running job. 100 is reserved for Complete.
func (m *JobMetadata) SetProgress(progress float64) error {
	if m.Status != JobStatusRunning {
		return m.invalid("update progress of")
	}
	if progress < 0 || progress >= 100 {
		return fmt.Errorf("%w: %.2f is outside [0, 100)", ErrInvalidProgress, progress)
	}

	m.Progress = progress
	return nil
}

// IsTerminal reports whether the job will not run again.
// FAILED is terminal only once the attempt budget is spent.
func (m *JobMetadata) IsTerminal() bool {
	switch m.Status {
	case JobStatusCompleted, JobStatusCanceled:
		return true
	case JobStatusFailed:
		return !m.CanRetry()
	}
	return false
}

// Duration returns the time between start and completion of the last attempt
func (m *JobMetadata) Duration() (time.Duration, bool) {
	if m.StartedAt == nil || m.CompletedAt == nil {
		return 0, false
	}
	return m.CompletedAt.Sub(*m.StartedAt), true
}
