package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// WebhookEvent is the gateway's webhook body. The event id is read separately
// because gateways send it as a string or a number.
type WebhookEvent struct {
	Event string       `json:"event" validate:"required,max=50"`
	Data  *WebhookData `json:"data" validate:"required"`
}

type WebhookData struct {
	BillingID   string              `json:"billingId" validate:"required,max=100"`
	Status      string              `json:"status" validate:"required,oneof=pending paid failed cancelled expired"`
	PlatformFee decimal.NullDecimal `json:"platformFee"`
	PaidAt      *time.Time          `json:"paidAt,omitempty"`
	Metadata    json.RawMessage     `json:"metadata,omitempty"`
}
