package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want PaymentStatus
		ok   bool
	}{
		{"paid", StatusPaid, true},
		{" PAID ", StatusPaid, true},
		{"Pending", StatusPending, true},
		{"canceled", StatusCancelled, true},
		{"cancelled", StatusCancelled, true},
		{"expired", StatusExpired, true},
		{"failed", StatusFailed, true},
		{"refunded", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPaymentStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusPaid.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusExpired.IsTerminal())
}

func TestPayment_CloneIsDeep(t *testing.T) {
	now := time.Now()
	msg := "boom"
	p := &Payment{Metadata: json.RawMessage(`{"a":1}`), ErrorMessage: &msg, ProcessedAt: &now}

	c := p.Clone()
	c.Metadata[2] = 'b'
	*c.ErrorMessage = "changed"

	assert.Equal(t, `{"a":1}`, string(p.Metadata))
	assert.Equal(t, "boom", *p.ErrorMessage)
}

func TestDeliveryAttempt_Due(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	errMsg := "timeout"
	empty := ""

	tests := []struct {
		name    string
		attempt DeliveryAttempt
		want    bool
	}{
		{"due", DeliveryAttempt{LastErrorMessage: &errMsg, NextRetryAt: &past}, true},
		{"due exactly now", DeliveryAttempt{LastErrorMessage: &errMsg, NextRetryAt: &now}, true},
		{"not yet", DeliveryAttempt{LastErrorMessage: &errMsg, NextRetryAt: &future}, false},
		{"processed", DeliveryAttempt{IsProcessed: true, LastErrorMessage: &errMsg, NextRetryAt: &past}, false},
		{"no error", DeliveryAttempt{NextRetryAt: &past}, false},
		{"empty error", DeliveryAttempt{LastErrorMessage: &empty, NextRetryAt: &past}, false},
		{"permanent", DeliveryAttempt{LastErrorMessage: &errMsg}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.Due(now))
		})
	}
}
