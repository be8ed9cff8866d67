package model

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotificationConfirmed    NotificationKind = "confirmed"
	NotificationCancelled    NotificationKind = "cancelled"
	NotificationExpired      NotificationKind = "expired"
	NotificationAdminFailure NotificationKind = "adminFailure"
)

type Notification struct {
	PaymentID uuid.UUID        `json:"paymentId"`
	Kind      NotificationKind `json:"kind"`
	Recipient string           `json:"recipient"`
	Detail    string           `json:"detail,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}
