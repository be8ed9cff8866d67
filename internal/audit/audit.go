package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/model"
)

const (
	maxPeriod       = 31 * 24 * time.Hour
	statisticsRange = 7 * 24 * time.Hour
)

type Store interface {
	Insert(ctx context.Context, e *model.AuditEntry) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*model.AuditEntry, error)
	ListByPeriod(ctx context.Context, from, to time.Time) ([]*model.AuditEntry, error)
}

// Log is the append-only audit trail of payment changes.
type Log struct {
	store         Store
	gatewaySource string
	logger        *slog.Logger
}

func NewLog(store Store, gatewaySource string, logger *slog.Logger) *Log {
	return &Log{store: store, gatewaySource: gatewaySource, logger: logger}
}

func (l *Log) GatewaySource() string {
	return l.gatewaySource
}

func (l *Log) Append(ctx context.Context, e *model.AuditEntry) error {
	stamp(e)
	if err := l.store.Insert(ctx, e); err != nil {
		return errors.Wrap(err, "appending audit entry")
	}
	return nil
}

type WebhookReceived struct {
	PaymentID   uuid.UUID
	EventType   string
	PayloadHash string
	Event       any
	IPAddress   string
	UserAgent   string
	Redelivered bool
}

func (l *Log) WebhookReceived(ctx context.Context, w WebhookReceived) error {
	return l.Append(ctx, &model.AuditEntry{
		PaymentID: w.PaymentID,
		EventType: model.AuditWebhookReceived,
		Source:    l.gatewaySource,
		EventData: marshal(w.Event),
		IPAddress: optional(w.IPAddress),
		UserAgent: optional(w.UserAgent),
		AdditionalInfo: marshal(map[string]any{
			"payloadHash": w.PayloadHash,
			"eventType":   w.EventType,
			"receivedAt":  time.Now().UTC(),
			"redelivered": w.Redelivered,
		}),
	})
}

// NewStatusChanged builds the entry written together with a status mutation.
func NewStatusChanged(paymentID uuid.UUID, from, to model.PaymentStatus, source string, actor *model.Actor, reason string) *model.AuditEntry {
	data := map[string]any{
		"oldStatus": from,
		"newStatus": to,
	}
	if reason != "" {
		data["reason"] = reason
	}

	e := &model.AuditEntry{
		PaymentID: paymentID,
		EventType: model.AuditStatusChanged,
		Source:    source,
		EventData: marshal(data),
	}
	if actor != nil {
		e.UserID = optional(actor.UserID)
		e.IPAddress = optional(actor.IPAddress)
		e.UserAgent = optional(actor.UserAgent)
	}
	stamp(e)
	return e
}

func (l *Log) TransitionRejected(ctx context.Context, paymentID uuid.UUID, current, requested model.PaymentStatus, source string) error {
	return l.Append(ctx, &model.AuditEntry{
		PaymentID: paymentID,
		EventType: model.AuditTransitionRejected,
		Source:    source,
		EventData: marshal(map[string]any{
			"currentStatus":   current,
			"requestedStatus": requested,
		}),
	})
}

func (l *Log) OrderSyncFailed(ctx context.Context, paymentID uuid.UUID, cause error) error {
	return l.Append(ctx, &model.AuditEntry{
		PaymentID: paymentID,
		EventType: model.AuditOrderSyncFailed,
		Source:    model.SourceSystem,
		EventData: marshal(map[string]any{"error": cause.Error()}),
	})
}

func (l *Log) ByPayment(ctx context.Context, paymentID uuid.UUID) ([]*model.AuditEntry, error) {
	return l.store.ListByPayment(ctx, paymentID)
}

func (l *Log) ByPeriod(ctx context.Context, start, end time.Time) ([]*model.AuditEntry, error) {
	if end.Before(start) {
		return nil, apperr.New(apperr.Malformed, "end date must not be before start date")
	}
	if end.Sub(start) > maxPeriod {
		return nil, apperr.New(apperr.Malformed, "period must not exceed 31 days")
	}
	return l.store.ListByPeriod(ctx, start, end)
}

type Statistics struct {
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	Total        int            `json:"total"`
	ByEventType  map[string]int `json:"byEventType"`
	BySource     map[string]int `json:"bySource"`
	LastActivity *time.Time     `json:"lastActivity,omitempty"`
}

// Statistics summarizes the last seven days before now.
func (l *Log) Statistics(ctx context.Context, now time.Time) (*Statistics, error) {
	from := now.Add(-statisticsRange)
	entries, err := l.store.ListByPeriod(ctx, from, now)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		From:        from,
		To:          now,
		Total:       len(entries),
		ByEventType: map[string]int{},
		BySource:    map[string]int{},
	}
	for _, e := range entries {
		stats.ByEventType[string(e.EventType)]++
		stats.BySource[e.Source]++
		if stats.LastActivity == nil || e.CreatedAt.After(*stats.LastActivity) {
			at := e.CreatedAt
			stats.LastActivity = &at
		}
	}
	return stats, nil
}

func stamp(e *model.AuditEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if len(e.EventData) == 0 {
		e.EventData = json.RawMessage(`{}`)
	}
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
