package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
	"github.com/cuongbtq/emr-jobs/internal/worker/handler"
)

// processJob runs one attempt of the job: load, claim, execute, then complete, retry or fail
func (w *Worker) processJob(ctx context.Context, jobID uuid.UUID) {
	logger := w.logger.With(slog.String("job_id", jobID.String()))

	job, err := w.loadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("Job not found, dropping queue entry")
			return
		}
		logger.Error("Failed to load job, requeueing",
			slog.String("error", err.Error()),
		)
		w.requeue(ctx, jobID, w.retryDelay)
		return
	}

	md := &job.Metadata
	logger = logger.With(slog.String("job_type", md.JobType))

	if md.Status != domain.JobStatusPending && md.Status != domain.JobStatusRetrying {
		logger.Info("Skipping job that is not runnable",
			slog.String("status", md.Status.String()),
		)
		return
	}

	payload, h, prepErr := w.prepare(job)

	from := md.Status
	if err := md.Start(); err != nil {
		logger.Error("Failed to start job", slog.String("error", err.Error()))
		return
	}
	if err := w.claimJob(ctx, md, from); err != nil {
		if errors.Is(err, domain.ErrJobNotClaimable) {
			logger.Info("Job changed before it could be claimed, skipping")
			return
		}
		logger.Error("Failed to claim job, requeueing",
			slog.String("error", err.Error()),
		)
		w.requeue(ctx, jobID, w.retryDelay)
		return
	}

	logger.Info("Processing job",
		slog.Uint64("attempt", uint64(md.Attempts)),
		slog.Uint64("max_attempts", uint64(md.MaxAttempts)),
	)

	started := w.now()
	var (
		result  *domain.ExecutionResult
		execErr error
	)
	if prepErr != nil {
		execErr = prepErr
	} else {
		result, execErr = w.runAttempt(ctx, h, payload, md, logger)
	}
	durationMs := uint64(w.now().Sub(started).Milliseconds())

	if execErr == nil {
		w.complete(ctx, md, result, durationMs, logger)
		return
	}
	w.fail(ctx, md, result, domain.AsJobError(execErr), durationMs, logger)
}

func (w *Worker) loadJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	return w.store.GetJob(sctx, jobID)
}

func (w *Worker) claimJob(ctx context.Context, md *domain.JobMetadata, from domain.JobStatus) error {
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	return w.store.ClaimJob(sctx, md, from)
}

func (w *Worker) saveMetadata(ctx context.Context, md *domain.JobMetadata) error {
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	return w.store.SaveMetadata(sctx, md)
}

// logSaveError reports a failed write of the attempt's outcome. A superseded attempt was
// taken back by recovery and its outcome is dropped.
func logSaveError(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, domain.ErrAttemptSuperseded) {
		logger.Warn("Job attempt was superseded, discarding its outcome")
		return
	}
	logger.Error(msg, slog.String("store_error", err.Error()))
}

func (w *Worker) saveResult(ctx context.Context, id uuid.UUID, result *domain.ExecutionResult, logger *slog.Logger) {
	if result == nil {
		return
	}
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	if err := w.store.SaveResult(sctx, id, result); err != nil {
		logger.Error("Failed to persist job result", slog.String("error", err.Error()))
	}
}

func (w *Worker) enqueue(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	return w.queue.Enqueue(sctx, id, runAt)
}

// requeue puts an unclaimed job back on the queue. The row is untouched, so if this
// fails too the recovery sweep restores the entry.
func (w *Worker) requeue(ctx context.Context, id uuid.UUID, delay time.Duration) {
	if err := w.enqueue(ctx, id, w.now().Add(delay)); err != nil {
		w.logger.Error("Failed to requeue job, leaving it to recovery",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// prepare decodes the envelope and resolves its handler
func (w *Worker) prepare(job *domain.Job) (domain.Payload, handler.Handler, error) {
	payload, err := domain.DecodeEnvelope(job.Envelope)
	if err != nil {
		return nil, nil, err
	}
	h, err := w.handlers.Resolve(payload.Kind())
	if err != nil {
		return nil, nil, err
	}
	return payload, h, nil
}

// runAttempt executes the handler with the job timeout. Progress reports made while
// the handler runs are persisted; reports after the attempt ended are dropped.
func (w *Worker) runAttempt(ctx context.Context, h handler.Handler, payload domain.Payload, md *domain.JobMetadata, logger *slog.Logger) (*domain.ExecutionResult, error) {
	var (
		mu       sync.Mutex
		finished bool
	)

	progress := func(percent float64) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		if err := md.SetProgress(percent); err != nil {
			logger.Debug("Ignoring progress report", slog.String("error", err.Error()))
			return
		}
		if err := w.saveMetadata(ctx, md); err != nil {
			logger.Warn("Failed to persist job progress", slog.String("error", err.Error()))
		}
	}

	stopHeartbeat := w.startHeartbeat(ctx, md, logger)
	defer stopHeartbeat()

	jctx := domain.NewJobContext(md.ID).
		WithMetadata("job_type", md.JobType).
		WithMetadata("attempt", strconv.FormatUint(uint64(md.Attempts), 10)).
		WithTimeout(w.jobTimeout).
		WithProgress(progress)

	result, err := w.execute(ctx, h, payload, jctx)

	mu.Lock()
	finished = true
	mu.Unlock()

	return result, err
}

// startHeartbeat refreshes the attempt's heartbeat until the returned stop is called
func (w *Worker) startHeartbeat(ctx context.Context, md *domain.JobMetadata, logger *slog.Logger) (stop func()) {
	id, attempt := md.ID, md.Attempts
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sctx, cancel := w.storeCtx(ctx)
				err := w.store.Heartbeat(sctx, id, attempt)
				cancel()
				if err != nil {
					logger.Warn("Failed to update job heartbeat", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

type outcome struct {
	result *domain.ExecutionResult
	err    error
}

// execute invokes the handler with a context bounded by the job timeout and waits for it
// to return; a handler that overruns keeps its pool slot. An error returned after the
// deadline becomes a TimeoutError, a panic an UnknownError and an unsuccessful result
// without an error a ProcessingError.
func (w *Worker) execute(ctx context.Context, h handler.Handler, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: domain.NewUnknownError(fmt.Sprintf("%s handler panicked: %v", h.Name(), r))}
			}
		}()
		result, err := h.Execute(runCtx, payload, jctx)
		done <- outcome{result: result, err: err}
	}()

	out := <-done
	if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out.result, domain.NewTimeoutError(fmt.Sprintf("job exceeded timeout of %s", w.jobTimeout))
	}
	if out.err != nil {
		return out.result, out.err
	}
	if out.result == nil {
		return nil, domain.NewProcessingError(fmt.Sprintf("%s handler returned no result", h.Name()))
	}
	if !out.result.Success {
		return out.result, domain.NewProcessingError(out.result.Message)
	}
	return out.result, nil
}

func (w *Worker) complete(ctx context.Context, md *domain.JobMetadata, result *domain.ExecutionResult, durationMs uint64, logger *slog.Logger) {
	if err := md.Complete(); err != nil {
		logger.Error("Failed to complete job", slog.String("error", err.Error()))
		return
	}
	w.monitor.Record(durationMs, true)

	if err := w.saveMetadata(ctx, md); err != nil {
		logSaveError(logger, "Failed to persist job completion", err)
		return
	}
	w.saveResult(ctx, md.ID, result, logger)

	logger.Info("Job completed successfully",
		slog.Uint64("duration_ms", durationMs),
		slog.String("message", result.Message),
	)
}

func (w *Worker) fail(ctx context.Context, md *domain.JobMetadata, result *domain.ExecutionResult, jobErr *domain.JobError, durationMs uint64, logger *slog.Logger) {
	if err := md.Fail(jobErr.Message); err != nil {
		logger.Error("Failed to mark job failed", slog.String("error", err.Error()))
		return
	}
	w.monitor.Record(durationMs, false)

	logger = logger.With(
		slog.String("error_kind", jobErr.Kind.String()),
		slog.String("error", jobErr.Message),
		slog.Uint64("duration_ms", durationMs),
	)

	if jobErr.IsRetryable() && md.CanRetry() {
		delay := jobErr.RetryDelay()
		if delay == 0 {
			delay = w.retryDelay
		}
		runAt := w.now().Add(delay)

		if err := md.MarkRetrying(runAt); err != nil {
			logger.Error("Failed to schedule retry", slog.String("error", err.Error()))
			return
		}
		// queued before the row leaves RUNNING; a RETRYING row without an entry waits for recovery
		if err := w.enqueue(ctx, md.ID, runAt); err != nil {
			logger.Error("Failed to queue job retry, leaving it to recovery", slog.String("queue_error", err.Error()))
		}
		if err := w.saveMetadata(ctx, md); err != nil {
			logSaveError(logger, "Failed to persist job retry", err)
		}
		w.monitor.RecordRetry()

		logger.Warn("Job failed, retry scheduled",
			slog.Uint64("attempt", uint64(md.Attempts)),
			slog.Duration("retry_in", delay),
		)
		return
	}

	if err := w.saveMetadata(ctx, md); err != nil {
		logSaveError(logger, "Failed to persist job failure", err)
		return
	}
	w.saveResult(ctx, md.ID, result, logger)

	logger.Error("Job failed",
		slog.Uint64("attempt", uint64(md.Attempts)),
		slog.Bool("retryable", jobErr.IsRetryable()),
	)
}
