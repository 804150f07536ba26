package worker

import (
	"context"
	"log/slog"
	"time"
)

// recoveryLoop sweeps for lost work once at start and then every recoveryInterval
func (w *Worker) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.recoveryInterval)
	defer ticker.Stop()

	for {
		w.recoverJobs(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recoverJobs puts jobs back on the due queue that no worker will otherwise run:
// RUNNING attempts whose worker stopped heartbeating, and PENDING or RETRYING jobs
// whose queue entry was claimed or never written.
func (w *Worker) recoverJobs(ctx context.Context) {
	now := w.now()
	staleBefore := now.Add(-w.staleJobTimeout)

	sctx, cancel := w.storeCtx(ctx)
	defer cancel()

	released, err := w.store.ReleaseStaleJobs(sctx, staleBefore)
	if err != nil {
		w.logger.Error("Failed to release stale jobs", slog.String("error", err.Error()))
	}
	for _, id := range released {
		if err := w.queue.Enqueue(sctx, id, now); err != nil {
			w.logger.Error("Failed to queue released job",
				slog.String("job_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	orphans, err := w.store.OrphanedJobs(sctx, staleBefore, w.recoveryBatch)
	if err != nil {
		w.logger.Error("Failed to list orphaned jobs", slog.String("error", err.Error()))
		return
	}

	restored := 0
	for _, job := range orphans {
		runAt := now
		if job.RunAt != nil && job.RunAt.After(now) {
			runAt = *job.RunAt
		}

		added, err := w.queue.EnsureQueued(sctx, job.ID, runAt)
		if err != nil {
			w.logger.Error("Failed to restore orphaned job",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if added {
			restored++
		}
	}

	if len(released) > 0 || restored > 0 {
		w.logger.Warn("Recovered lost jobs",
			slog.Int("released", len(released)),
			slog.Int("restored", restored),
		)
	}
}
