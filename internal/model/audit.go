package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditEventType string

const (
	AuditWebhookReceived    AuditEventType = "WebhookReceived"
	AuditStatusChanged      AuditEventType = "StatusChanged"
	AuditTransitionRejected AuditEventType = "TransitionRejected"
	AuditOrderSyncFailed    AuditEventType = "OrderSyncFailed"
)

const SourceSystem = "System"

// AuditEntry is immutable once written.
type AuditEntry struct {
	ID             uuid.UUID       `json:"id"`
	PaymentID      uuid.UUID       `json:"paymentId"`
	EventType      AuditEventType  `json:"eventType"`
	Source         string          `json:"source"`
	EventData      json.RawMessage `json:"eventData"`
	UserID         *string         `json:"userId,omitempty"`
	IPAddress      *string         `json:"ipAddress,omitempty"`
	UserAgent      *string         `json:"userAgent,omitempty"`
	AdditionalInfo json.RawMessage `json:"additionalInfo,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
