package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is a stored job: its lifecycle record plus the raw envelope
type Job struct {
	Metadata JobMetadata
	Envelope json.RawMessage
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID string `json:"job_id"`
	// RunAt delays the first attempt, nil means now
	RunAt       *time.Time `json:"run_at,omitempty"`
	DeliveryTag uint64     `json:"-"`
}

// JobCount is one aggregate row of jobs grouped by type and status
type JobCount struct {
	JobType       string    `db:"job_type" json:"job_type"`
	Status        JobStatus `db:"status" json:"status"`
	Count         int64     `db:"count" json:"count"`
	AvgDurationMs float64   `db:"avg_duration_ms" json:"avg_duration_ms"`
}

// DueJob is a runnable job the recovery sweep found without a queue entry
type DueJob struct {
	ID    uuid.UUID  `db:"job_id"`
	RunAt *time.Time `db:"next_run_at"`
}
