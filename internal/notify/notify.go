// Package notify delivers notification jobs to their channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// Notification is the message handed to a delivery channel
type Notification struct {
	JobID            uuid.UUID                  `json:"job_id"`
	RecipientID      uuid.UUID                  `json:"recipient_id"`
	NotificationType domain.NotificationType    `json:"notification_type"`
	Channel          domain.NotificationChannel `json:"channel"`
	Priority         domain.Priority            `json:"priority"`
	Message          string                     `json:"message"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// Notifier delivers a notification
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher publishes a JSON document on a subject
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// NATSNotifier publishes notifications to <prefix>.<channel>
type NATSNotifier struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

// NewNATSNotifier creates a notifier publishing through publisher
func NewNATSNotifier(publisher Publisher, prefix string, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "."),
		logger:    logger.With(slog.String("component", "nats-notifier")),
	}
}

// Subject returns the subject a channel publishes on
func (n *NATSNotifier) Subject(channel domain.NotificationChannel) string {
	return n.prefix + "." + strings.ToLower(string(channel))
}

func (n *NATSNotifier) Notify(ctx context.Context, msg Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := n.Subject(msg.Channel)
	if err := n.publisher.PublishJSON(subject, msg); err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", subject, err)
	}

	n.logger.Debug("Notification published",
		slog.String("subject", subject),
		slog.String("job_id", msg.JobID.String()),
	)
	return nil
}

// LogNotifier writes notifications to the log, used when no bus is configured
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "log-notifier"))}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.logger.Info("Notification delivered",
		slog.String("job_id", msg.JobID.String()),
		slog.String("recipient_id", msg.RecipientID.String()),
		slog.String("channel", string(msg.Channel)),
		slog.String("priority", string(msg.Priority)),
		slog.String("notification_type", string(msg.NotificationType)),
	)
	return nil
}
