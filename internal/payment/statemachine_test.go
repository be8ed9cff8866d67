package payment_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/audit"
	"payment-webhook-service/internal/memstore"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/payment"
)

type fakeGateway struct {
	cancelled []string
	cancelOK  bool
	cancelErr error
	status    *model.BillingStatus
	statusErr error
}

func (g *fakeGateway) CancelBilling(_ context.Context, billingID string) (bool, error) {
	g.cancelled = append(g.cancelled, billingID)
	return g.cancelOK, g.cancelErr
}

func (g *fakeGateway) GetBillingStatus(_ context.Context, _ string) (*model.BillingStatus, error) {
	return g.status, g.statusErr
}

func newMachine(t *testing.T, gateway payment.Gateway) (*payment.StateMachine, *memstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	auditLog := audit.NewLog(store.Audit, "AbacatePay", logger)
	return payment.NewStateMachine(store.Payments, auditLog, gateway, logger), store
}

func transition(billingID string, status model.PaymentStatus) payment.Transition {
	return payment.Transition{BillingID: billingID, Status: status, Source: "AbacatePay"}
}

func TestApply_Transitions(t *testing.T) {
	tests := []struct {
		from     model.PaymentStatus
		to       model.PaymentStatus
		changed  bool
		conflict bool
	}{
		{from: model.StatusPending, to: model.StatusPaid, changed: true},
		{from: model.StatusPending, to: model.StatusFailed, changed: true},
		{from: model.StatusPending, to: model.StatusExpired, changed: true},
		{from: model.StatusPending, to: model.StatusCancelled, changed: true},
		{from: model.StatusPending, to: model.StatusPending},
		{from: model.StatusFailed, to: model.StatusPaid, changed: true},
		{from: model.StatusExpired, to: model.StatusPaid, changed: true},
		{from: model.StatusPaid, to: model.StatusPaid},
		{from: model.StatusCancelled, to: model.StatusCancelled},
		{from: model.StatusPaid, to: model.StatusCancelled, conflict: true},
		{from: model.StatusPaid, to: model.StatusPending, conflict: true},
		{from: model.StatusCancelled, to: model.StatusPaid, conflict: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			machine, store := newMachine(t, nil)
			p := store.Payments.Seed("bill_1")
			p.Status = tt.from
			store.Payments.Put(p, nil)

			res, err := machine.Apply(context.Background(), transition("bill_1", tt.to))

			if tt.conflict {
				assert.Equal(t, apperr.ConflictingTransition, apperr.KindOf(err))
				assert.Equal(t, tt.from, store.Payments.Get(p.ID).Status)
				assert.Equal(t, 1, store.Audit.Count(model.AuditTransitionRejected))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.changed, res.Changed)
			assert.Equal(t, tt.from, res.Previous)
			assert.Equal(t, tt.to, store.Payments.Get(p.ID).Status)
			if tt.changed {
				assert.Equal(t, 1, store.Audit.Count(model.AuditStatusChanged))
			} else {
				assert.Empty(t, store.Audit.Entries())
			}
		})
	}
}

func TestApply_PaidRecordsFeeAndPaidAt(t *testing.T) {
	machine, store := newMachine(t, nil)
	p := store.Payments.Seed("bill_1")
	paidAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("BRT", -3*60*60))

	tr := transition("bill_1", model.StatusPaid)
	tr.Fee = decimal.NewNullDecimal(decimal.RequireFromString("1.25"))
	tr.PaidAt = &paidAt
	tr.Metadata = json.RawMessage(`{"orderRef":"A-1"}`)

	res, err := machine.Apply(context.Background(), tr)
	require.NoError(t, err)

	assert.True(t, res.Payment.Fee.Decimal.Equal(decimal.RequireFromString("1.25")))
	require.NotNil(t, res.Payment.ProcessedAt)
	assert.True(t, paidAt.Equal(*res.Payment.ProcessedAt))
	assert.JSONEq(t, `{"orderRef":"A-1"}`, string(res.Payment.Metadata))
	assert.Equal(t, model.OrderStatusPaid, store.Payments.Order(p.OrderID).Status)
}

func TestApply_StatusChangeAuditData(t *testing.T) {
	machine, store := newMachine(t, nil)
	p := store.Payments.Seed("bill_1")

	_, err := machine.Apply(context.Background(), transition("bill_1", model.StatusFailed))
	require.NoError(t, err)

	entries := store.Audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].PaymentID)
	assert.Equal(t, "AbacatePay", entries[0].Source)
	assert.JSONEq(t, `{"oldStatus":"pending","newStatus":"failed"}`, string(entries[0].EventData))
}

func TestApply_UnknownBilling(t *testing.T) {
	machine, _ := newMachine(t, nil)

	_, err := machine.Apply(context.Background(), transition("bill_missing", model.StatusPaid))

	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestApply_StoreFailureIsTransient(t *testing.T) {
	machine, store := newMachine(t, nil)
	p := store.Payments.Seed("bill_1")
	store.Payments.FailUpdates(1, errors.New("deadlock detected"))

	_, err := machine.Apply(context.Background(), transition("bill_1", model.StatusPaid))

	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	assert.Equal(t, model.StatusPending, store.Payments.Get(p.ID).Status)
	assert.Equal(t, "pending", store.Payments.Order(p.OrderID).Status)
}

func TestApply_OrderSyncFailureIsAudited(t *testing.T) {
	machine, store := newMachine(t, nil)
	p := store.Payments.Seed("bill_1")
	store.Payments.FailOrderUpdates(1, errors.New("orders unavailable"))

	res, err := machine.Apply(context.Background(), transition("bill_1", model.StatusPaid))

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.StatusPaid, store.Payments.Get(p.ID).Status)
	assert.Equal(t, 1, store.Audit.Count(model.AuditOrderSyncFailed))
}

func TestCancel(t *testing.T) {
	t.Run("pending payment", func(t *testing.T) {
		gateway := &fakeGateway{cancelOK: true}
		machine, store := newMachine(t, gateway)
		p := store.Payments.Seed("bill_1")
		actor := model.Actor{UserID: "admin-7", IPAddress: "10.0.0.2"}

		res, err := machine.Cancel(context.Background(), p.ID, "customer request", actor)
		require.NoError(t, err)

		assert.True(t, res.Changed)
		assert.Equal(t, model.StatusCancelled, res.Payment.Status)
		assert.Nil(t, res.Payment.ErrorMessage)
		assert.Equal(t, []string{"bill_1"}, gateway.cancelled)

		entries := store.Audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "admin-7", entries[0].Source)
		require.NotNil(t, entries[0].UserID)
		assert.Equal(t, "admin-7", *entries[0].UserID)
		assert.Contains(t, string(entries[0].EventData), "customer request")
	})

	t.Run("gateway failure does not block", func(t *testing.T) {
		gateway := &fakeGateway{cancelErr: errors.New("timeout")}
		machine, store := newMachine(t, gateway)
		p := store.Payments.Seed("bill_1")

		res, err := machine.Cancel(context.Background(), p.ID, "", model.Actor{})
		require.NoError(t, err)

		assert.Equal(t, model.StatusCancelled, res.Payment.Status)
		require.NotNil(t, res.Payment.ErrorMessage)
		assert.Contains(t, *res.Payment.ErrorMessage, "timeout")
		assert.Equal(t, model.SourceSystem, store.Audit.Entries()[0].Source)
	})

	t.Run("paid payment", func(t *testing.T) {
		gateway := &fakeGateway{cancelOK: true}
		machine, store := newMachine(t, gateway)
		p := store.Payments.Seed("bill_1")
		p.Status = model.StatusPaid
		store.Payments.Put(p, nil)

		_, err := machine.Cancel(context.Background(), p.ID, "", model.Actor{})

		assert.Equal(t, apperr.ConflictingTransition, apperr.KindOf(err))
		assert.Empty(t, gateway.cancelled)
	})

	t.Run("unknown payment", func(t *testing.T) {
		machine, _ := newMachine(t, &fakeGateway{})

		_, err := machine.Cancel(context.Background(), uuid.New(), "", model.Actor{})

		assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	})
}

func TestSync(t *testing.T) {
	t.Run("pending payment paid at gateway", func(t *testing.T) {
		gateway := &fakeGateway{status: &model.BillingStatus{BillingID: "bill_1", Status: "PAID"}}
		machine, store := newMachine(t, gateway)
		p := store.Payments.Seed("bill_1")

		res, err := machine.Sync(context.Background(), p.ID)
		require.NoError(t, err)

		assert.True(t, res.Changed)
		assert.Equal(t, model.StatusPaid, res.Payment.Status)
		assert.Equal(t, model.SourceSystem, store.Audit.Entries()[0].Source)
	})

	t.Run("gateway unavailable", func(t *testing.T) {
		gateway := &fakeGateway{statusErr: errors.New("503")}
		machine, store := newMachine(t, gateway)
		p := store.Payments.Seed("bill_1")

		res, err := machine.Sync(context.Background(), p.ID)
		require.NoError(t, err)

		assert.False(t, res.Changed)
		assert.Equal(t, model.StatusPending, res.Payment.Status)
	})

	t.Run("settled payment skips gateway", func(t *testing.T) {
		gateway := &fakeGateway{statusErr: errors.New("must not be called")}
		machine, store := newMachine(t, gateway)
		p := store.Payments.Seed("bill_1")
		p.Status = model.StatusFailed
		store.Payments.Put(p, nil)

		res, err := machine.Sync(context.Background(), p.ID)
		require.NoError(t, err)

		assert.Equal(t, model.StatusFailed, res.Payment.Status)
	})
}
