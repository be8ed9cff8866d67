package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("record not found")

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusPaid      PaymentStatus = "paid"
	StatusFailed    PaymentStatus = "failed"
	StatusCancelled PaymentStatus = "cancelled"
	StatusExpired   PaymentStatus = "expired"
)

// ParseStatus normalizes a gateway status. "canceled" is accepted as an alias.
func ParseStatus(s string) (PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, true
	case "paid":
		return StatusPaid, true
	case "failed":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	case "expired":
		return StatusExpired, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is accepted from s.
// Failed and expired payments may still be paid by a later gateway event.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

type Payment struct {
	ID            uuid.UUID           `json:"id"`
	OrderID       uuid.UUID           `json:"orderId"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency"`
	Method        string              `json:"method"`
	Status        PaymentStatus       `json:"status"`
	BillingID     string              `json:"billingId,omitempty"`
	Fee           decimal.NullDecimal `json:"fee"`
	CustomerEmail string              `json:"-"`
	Metadata      json.RawMessage     `json:"metadata,omitempty"`
	ErrorMessage  *string             `json:"errorMessage,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	ProcessedAt   *time.Time          `json:"processedAt,omitempty"`
}

func (p *Payment) Clone() *Payment {
	c := *p
	if p.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), p.Metadata...)
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		c.ErrorMessage = &msg
	}
	if p.ProcessedAt != nil {
		at := *p.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

const OrderStatusPaid = "paid"

type Order struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BillingStatus is the gateway's view of a billing.
type BillingStatus struct {
	BillingID   string
	Status      string
	PlatformFee decimal.NullDecimal
	PaidAt      *time.Time
}

// Actor identifies who triggered a change outside of the gateway.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}
