package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/notify"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

var deliveryMessages = map[domain.NotificationChannel]string{
	domain.ChannelEmail: "Email sent successfully",
	domain.ChannelSms:   "SMS sent successfully",
	domain.ChannelPush:  "Push notification sent successfully",
	domain.ChannelInApp: "In-app notification sent successfully",
}

// scheduleTolerance absorbs the millisecond rounding of queue scores and small clock skew
// between the host that scheduled the job and the one releasing it
const scheduleTolerance = time.Second

// DeliveryReceipt is the result data of a notification job
type DeliveryReceipt struct {
	RecipientID uuid.UUID                  `json:"recipient_id"`
	Message     string                     `json:"message"`
	Channel     domain.NotificationChannel `json:"channel"`
	Priority    domain.Priority            `json:"priority"`
	DeliveredAt time.Time                  `json:"delivered_at"`
}

// NotificationHandler delivers notifications through a notifier
type NotificationHandler struct {
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewNotificationHandler(notifier notify.Notifier, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifier: notifier,
		logger:   logger.With(slog.String("handler", "notification")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *NotificationHandler) Name() string     { return "notification" }
func (h *NotificationHandler) Kind() domain.Kind { return domain.KindNotification }

func (h *NotificationHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.NotificationJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting notification job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("recipient_id", job.RecipientID.String()),
		slog.String("notification_type", string(job.NotificationType)),
		slog.String("channel", string(job.Channel)),
	)

	now := h.now()
	if job.ScheduledFor != nil && job.ScheduledFor.After(now.Add(scheduleTolerance)) {
		return nil, domain.NewValidationError(fmt.Sprintf("notification is scheduled for %s and must not run before then",
			job.ScheduledFor.UTC().Format(time.RFC3339)))
	}

	start := time.Now()
	err = h.notifier.Notify(ctx, notify.Notification{
		JobID:            jctx.JobID,
		RecipientID:      job.RecipientID,
		NotificationType: job.NotificationType,
		Channel:          job.Channel,
		Priority:         job.Priority,
		Message:          job.Message,
		CreatedAt:        now,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, "notification delivery")
		}
		return nil, domain.NewExternalServiceError(fmt.Sprintf("%s delivery failed: %v", job.Channel, err))
	}
	elapsed := time.Since(start)

	receipt := DeliveryReceipt{
		RecipientID: job.RecipientID,
		Message:     job.Message,
		Channel:     job.Channel,
		Priority:    job.Priority,
		DeliveredAt: h.now(),
	}

	return domain.SucceededWithData(deliveryMessages[job.Channel], receipt).
		WithMetric("delivery_time_ms", float64(elapsed.Microseconds())/1000), nil
}
