package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// freeSlots returns how many more jobs the pool can take right now
func (w *Worker) freeSlots() int {
	free := w.maxWorkers - int(w.inflight.Load())
	if free > w.batchSize {
		free = w.batchSize
	}
	return max(free, 0)
}

// poll claims up to the free pool capacity from the due queue and dispatches it
func (w *Worker) poll(ctx, jobCtx context.Context) int {
	limit := w.freeSlots()
	if limit == 0 {
		w.logger.Debug("Worker pool saturated, skipping poll")
		return 0
	}

	ids, err := w.queue.FetchDue(ctx, limit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to fetch due jobs",
				slog.String("error", err.Error()),
			)
		}
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	w.logger.Debug("Dispatching due jobs",
		slog.Int("count", len(ids)),
	)

	for _, id := range ids {
		w.dispatch(jobCtx, id)
	}
	return len(ids)
}

// dispatch hands a job to the pool, blocking while every slot is busy
func (w *Worker) dispatch(ctx context.Context, id uuid.UUID) {
	w.inflight.Add(1)
	w.pool.Go(func() error {
		defer w.inflight.Add(-1)
		w.processJob(ctx, id)
		return nil
	})
}
