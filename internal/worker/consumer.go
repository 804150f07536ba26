package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// setupConsumer starts consuming the intake queue
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.intake.Consume(w.consumerTag, w.prefetch)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Job intake consumer started",
		slog.String("consumer_tag", w.consumerTag),
		slog.Int("prefetch_count", w.prefetch),
	)
	return deliveries, nil
}

// startMessageDispatcher moves accepted job messages onto the due queue.
// It returns ErrIntakeClosed when the delivery channel closes before ctx ends.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("Job intake delivery channel closed")
				return ErrIntakeClosed
			}
			w.handleDelivery(ctx, delivery)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		w.nack(delivery, false)
		return
	}
	msg.DeliveryTag = delivery.DeliveryTag

	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		w.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, false)
		return
	}

	runAt := w.now()
	if msg.RunAt != nil && msg.RunAt.After(runAt) {
		runAt = *msg.RunAt
	}

	sctx, cancel := w.storeCtx(ctx)
	defer cancel()
	if err := w.queue.Enqueue(sctx, jobID, runAt); err != nil {
		w.logger.Error("Failed to enqueue job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Debug("Job accepted onto due queue",
		slog.String("job_id", msg.JobID),
		slog.Time("run_at", runAt),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
	)
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("error", err.Error()),
			slog.Bool("requeue", requeue),
		)
	}
}
