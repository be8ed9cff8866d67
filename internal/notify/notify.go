package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"

	"payment-webhook-service/internal/model"
)

var (
	notificationSentCounter    = metrics.GetOrCreateCounter(`notifications_total{result="sent"}`)
	notificationFailedCounter  = metrics.GetOrCreateCounter(`notifications_total{result="failed"}`)
	notificationSkippedCounter = metrics.GetOrCreateCounter(`notifications_total{result="skipped"}`)
)

type Publisher interface {
	Publish(ctx context.Context, n model.Notification) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher hands notifications to the mail dispatcher through a topic.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, n model.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.PaymentID.String()), // keeps notifications of one payment ordered
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
}

// LogPublisher only logs notifications. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, n model.Notification) error {
	p.logger.InfoContext(ctx, "Notification", "paymentId", n.PaymentID, "kind", n.Kind, "recipient", n.Recipient)
	return nil
}

type Service struct {
	publisher      Publisher
	adminRecipient string
	logger         *slog.Logger
}

func NewService(publisher Publisher, adminRecipient string, logger *slog.Logger) *Service {
	return &Service{publisher: publisher, adminRecipient: adminRecipient, logger: logger}
}

// StatusChanged notifies about the payment's current status. Pending payments notify no one.
func (s *Service) StatusChanged(ctx context.Context, p *model.Payment) error {
	n := model.Notification{PaymentID: p.ID, Recipient: p.CustomerEmail}

	switch p.Status {
	case model.StatusPaid:
		n.Kind = model.NotificationConfirmed
	case model.StatusCancelled:
		n.Kind = model.NotificationCancelled
	case model.StatusExpired:
		n.Kind = model.NotificationExpired
	case model.StatusFailed:
		n.Kind = model.NotificationAdminFailure
		n.Recipient = s.adminRecipient
		n.Detail = "payment failed at the gateway"
		if p.ErrorMessage != nil {
			n.Detail = *p.ErrorMessage
		}
	default:
		return nil
	}

	return s.send(ctx, n)
}

// DeliveryExhausted alerts the administrator that a webhook ran out of automatic retries.
func (s *Service) DeliveryExhausted(ctx context.Context, a *model.DeliveryAttempt) error {
	detail := fmt.Sprintf("webhook %s (%s) failed after %d attempts", a.ExternalEventID, a.EventType, a.AttemptCount)
	if a.LastErrorMessage != nil {
		detail += ": " + *a.LastErrorMessage
	}

	return s.send(ctx, model.Notification{
		PaymentID: a.PaymentID.UUID,
		Kind:      model.NotificationAdminFailure,
		Recipient: s.adminRecipient,
		Detail:    detail,
		Attempts:  a.AttemptCount,
	})
}

func (s *Service) send(ctx context.Context, n model.Notification) error {
	if n.Recipient == "" {
		notificationSkippedCounter.Inc()
		s.logger.WarnContext(ctx, "No recipient for notification, skipping", "paymentId", n.PaymentID, "kind", n.Kind)
		return nil
	}

	n.CreatedAt = time.Now().UTC()
	if err := s.publisher.Publish(ctx, n); err != nil {
		notificationFailedCounter.Inc()
		return err
	}

	notificationSentCounter.Inc()
	s.logger.InfoContext(ctx, "Notification sent", "paymentId", n.PaymentID, "kind", n.Kind)
	return nil
}
