package model

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyKey identifies one logical webhook delivery.
// The same event id with a different payload hash is a distinct delivery.
type IdempotencyKey struct {
	EventID     string
	PayloadHash string
}

type DeliveryAttempt struct {
	ID               uuid.UUID     `json:"id"`
	PaymentID        uuid.NullUUID `json:"paymentId"`
	ExternalEventID  string        `json:"externalEventId"`
	PayloadHash      string        `json:"payloadHash"`
	EventType        string        `json:"eventType"`
	AttemptCount     int           `json:"attemptCount"`
	IsProcessed      bool          `json:"isProcessed"`
	FirstAttemptAt   time.Time     `json:"firstAttemptAt"`
	LastAttemptAt    *time.Time    `json:"lastAttemptAt,omitempty"`
	ProcessedAt      *time.Time    `json:"processedAt,omitempty"`
	NextRetryAt      *time.Time    `json:"nextRetryAt,omitempty"`
	LastErrorMessage *string       `json:"lastErrorMessage,omitempty"`
	SuccessMessage   *string       `json:"successMessage,omitempty"`
	AlertedAt        *time.Time    `json:"alertedAt,omitempty"`
	// Authenticated is set once the payload has passed signature verification.
	// Entries without it keep the received signature so a redelivery can verify again.
	Authenticated bool   `json:"authenticated"`
	Signature     string `json:"-"`
	Payload       []byte `json:"-"`
}

func (a *DeliveryAttempt) Key() IdempotencyKey {
	return IdempotencyKey{EventID: a.ExternalEventID, PayloadHash: a.PayloadHash}
}

// Due reports whether the scheduler should pick the entry up at now.
func (a *DeliveryAttempt) Due(now time.Time) bool {
	return !a.IsProcessed &&
		a.LastErrorMessage != nil && *a.LastErrorMessage != "" &&
		a.NextRetryAt != nil && !a.NextRetryAt.After(now)
}

func (a *DeliveryAttempt) Clone() *DeliveryAttempt {
	c := *a
	c.LastAttemptAt = cloneTime(a.LastAttemptAt)
	c.ProcessedAt = cloneTime(a.ProcessedAt)
	c.NextRetryAt = cloneTime(a.NextRetryAt)
	c.AlertedAt = cloneTime(a.AlertedAt)
	c.LastErrorMessage = cloneString(a.LastErrorMessage)
	c.SuccessMessage = cloneString(a.SuccessMessage)
	c.Payload = append([]byte(nil), a.Payload...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
