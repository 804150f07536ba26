package handler

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/api/domain"
	"github.com/cuongbtq/emr-jobs/internal/api/dto"
	"github.com/cuongbtq/emr-jobs/internal/api/model"
	"github.com/cuongbtq/emr-jobs/internal/api/storage"
	jobdomain "github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

func toJobDTO(job *model.Job) dto.JobDTO {
	md := job.Metadata()
	return dto.JobDTO{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey,
		UserID:         job.UserID,
		JobType:        job.JobType,
		Payload:        job.Payload,
		Status:         job.Status,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		Progress:       job.Progress,
		LastError:      md.LastError,
		Result:         job.ResultJSON(),
		NextRunAt:      md.NextRunAt,
		StartedAt:      md.StartedAt,
		CompletedAt:    md.CompletedAt,
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func errorJSON(c *gin.Context, status int, msg string, details string) {
	c.JSON(status, dto.ErrorResponse{Error: msg, Details: details})
}

// firstRunAt returns when the job should first run, nil for now
func firstRunAt(payload jobdomain.Payload, now time.Time) *time.Time {
	notification, ok := payload.(*jobdomain.NotificationJob)
	if !ok || notification.ScheduledFor == nil || !notification.ScheduledFor.After(now) {
		return nil
	}
	at := notification.ScheduledFor.UTC()
	return &at
}

// CreateJob handles POST /api/v1/jobs
// Validates the envelope, persists the job and hands it to the worker
func (h *JobHandler) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		errorJSON(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	payload, err := jobdomain.DecodeEnvelope(req.Job)
	if err != nil {
		h.logger.Warn("Invalid job envelope", slog.String("error", err.Error()))
		errorJSON(c, http.StatusBadRequest, "Invalid job envelope", err.Error())
		return
	}

	if existing, ok := h.findExisting(c, req.IdempotencyKey); ok {
		h.replay(c, existing)
		return
	} else if c.IsAborted() {
		return
	}

	canonical, err := jobdomain.EncodeEnvelope(payload)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid job envelope", err.Error())
		return
	}

	maxAttempts := h.defaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}

	now := h.now().UTC()
	runAt := firstRunAt(payload, now)

	job := model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		JobType:        payload.Kind().String(),
		Payload:        canonical,
		Status:         jobdomain.JobStatusPending.String(),
		MaxAttempts:    int64(maxAttempts),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if runAt != nil {
		job.NextRunAt = sql.NullTime{Time: *runAt, Valid: true}
	}

	if err := h.store.CreateJob(ctx, &job); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			// lost a race with a request carrying the same key
			if existing, ok := h.findExisting(c, req.IdempotencyKey); ok {
				h.replay(c, existing)
			} else if !c.IsAborted() {
				errorJSON(c, http.StatusConflict, "Job with this idempotency key already exists", "")
			}
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to create job", "")
		return
	}

	if err := h.publish(c, job.JobID, runAt); err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "Job stored but could not be queued; retry with the same idempotency key", "")
		return
	}

	h.logger.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.String("user_id", job.UserID),
	)

	c.JSON(http.StatusCreated, toJobDTO(&job))
}

// findExisting looks up a job by idempotency key. It aborts with 500 on store errors.
func (h *JobHandler) findExisting(c *gin.Context, key string) (*model.Job, bool) {
	existing, err := h.store.GetJobByIdempotencyKey(c.Request.Context(), key)
	switch {
	case err == nil:
		return existing, true
	case errors.Is(err, domain.ErrJobNotFound):
		return nil, false
	default:
		h.logger.Error("Failed to check idempotency key", slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to create job", "")
		c.Abort()
		return nil, false
	}
}

// replay answers a repeated create. A job that never started is published again.
func (h *JobHandler) replay(c *gin.Context, job *model.Job) {
	md := job.Metadata()
	if md.Status == jobdomain.JobStatusPending && md.Attempts == 0 {
		if err := h.publish(c, job.JobID, md.NextRunAt); err != nil {
			errorJSON(c, http.StatusServiceUnavailable, "Job stored but could not be queued; retry with the same idempotency key", "")
			return
		}
	}

	h.logger.Info("Idempotent replay of job",
		slog.String("job_id", job.JobID),
		slog.String("idempotency_key", job.IdempotencyKey),
	)
	c.JSON(http.StatusOK, toJobDTO(job))
}

func (h *JobHandler) publish(c *gin.Context, jobID string, runAt *time.Time) error {
	msg := jobdomain.JobMessage{JobID: jobID, RunAt: runAt}
	if err := h.publisher.PublishJSON(c.Request.Context(), msg); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// parseJobID validates the :job_id path parameter, writing a 400 when it is not a UUID
func (h *JobHandler) parseJobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		errorJSON(c, http.StatusBadRequest, "job_id must be a valid UUID", "")
		return "", false
	}
	return jobID, true
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			errorJSON(c, http.StatusNotFound, "Job not found", "")
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to get job", "")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filters and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid query parameters", err.Error())
		return
	}

	if req.Status != "" && !jobdomain.JobStatus(req.Status).Valid() {
		errorJSON(c, http.StatusBadRequest, "Invalid status filter", req.Status)
		return
	}
	if req.JobType != "" && !jobdomain.Kind(req.JobType).Valid() {
		errorJSON(c, http.StatusBadRequest, "Invalid job_type filter", req.JobType)
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = domain.DefaultPageSize
	}
	if req.PageSize > domain.MaxPageSize {
		req.PageSize = domain.MaxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid cursor", "")
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		UserID:   req.UserID,
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to list jobs", "")
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Only PENDING and RETRYING jobs can be canceled; a running attempt is never interrupted
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	job, err := h.store.CancelJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobNotFound):
		errorJSON(c, http.StatusNotFound, "Job not found", "")
		return
	case errors.Is(err, domain.ErrJobNotCancelable):
		errorJSON(c, http.StatusConflict, "Job cannot be canceled", err.Error())
		return
	default:
		h.logger.Error("Failed to cancel job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to cancel job", "")
		return
	}

	h.logger.Info("Job canceled", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, toJobDTO(job))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes a job record once it can no longer run
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	err := h.store.DeleteJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrJobNotFound):
		errorJSON(c, http.StatusNotFound, "Job not found", "")
		return
	case errors.Is(err, domain.ErrJobNotDeletable):
		errorJSON(c, http.StatusConflict, "Job cannot be deleted", err.Error())
		return
	default:
		h.logger.Error("Failed to delete job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to delete job", "")
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

// JobStats handles GET /api/v1/jobs/stats
// Counts jobs by type and status over [from, to), defaulting to the last 24 hours
func (h *JobHandler) JobStats(c *gin.Context) {
	var req dto.JobStatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid query parameters", err.Error())
		return
	}

	to := req.To
	if to.IsZero() {
		to = h.now().UTC()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		errorJSON(c, http.StatusBadRequest, "from must be before to", "")
		return
	}

	counts, err := h.stats.CountByTypeAndStatus(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		errorJSON(c, http.StatusInternalServerError, "Failed to count jobs", "")
		return
	}
	if counts == nil {
		counts = []jobdomain.JobCount{}
	}

	c.JSON(http.StatusOK, gin.H{
		"from":   from,
		"to":     to,
		"counts": counts,
	})
}
