package dto

import (
	"encoding/json"
	"time"
)

// CreateJobRequest carries a job envelope; Job is the flat envelope with its "type" field
type CreateJobRequest struct {
	IdempotencyKey string          `json:"idempotency_key" binding:"required,max=255"`
	UserID         string          `json:"user_id" binding:"required"`
	MaxAttempts    *uint32         `json:"max_attempts" binding:"omitempty,min=1,max=20"`
	Job            json.RawMessage `json:"job" binding:"required"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         string          `json:"user_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int64           `json:"attempts"`
	MaxAttempts    int64           `json:"max_attempts"`
	Progress       float64         `json:"progress"`
	LastError      *string         `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

type JobStatsRequest struct {
	From time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To   time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
