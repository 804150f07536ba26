package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/emr-jobs/internal/api/model"
	"github.com/cuongbtq/emr-jobs/internal/api/storage"
	"github.com/cuongbtq/emr-jobs/internal/monitor"
	jobdomain "github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// JobStore persists jobs for the API
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	CancelJob(ctx context.Context, jobID string) (*model.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// StatsStore aggregates jobs by type and status
type StatsStore interface {
	CountByTypeAndStatus(ctx context.Context, from, to time.Time) ([]jobdomain.JobCount, error)
}

// Publisher hands accepted jobs to the worker intake
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// WorkerMonitor exposes the running worker's statistics
type WorkerMonitor interface {
	Health() monitor.WorkerHealth
	Stats() monitor.JobStats
	ResetStats()
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger             *slog.Logger
	Store              JobStore
	Stats              StatsStore
	Publisher          Publisher
	DefaultMaxAttempts uint32
	ServiceName        string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger             *slog.Logger
	store              JobStore
	stats              StatsStore
	publisher          Publisher
	defaultMaxAttempts uint32
	now                func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	maxAttempts := deps.DefaultMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = jobdomain.DefaultMaxAttempts
	}

	return &JobHandler{
		logger:             deps.Logger,
		store:              deps.Store,
		stats:              deps.Stats,
		publisher:          deps.Publisher,
		defaultMaxAttempts: maxAttempts,
		now:                time.Now,
	}
}
