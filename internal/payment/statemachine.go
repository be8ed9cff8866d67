package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/audit"
	"payment-webhook-service/internal/model"
)

var (
	transitionChangedCounter  = metrics.GetOrCreateCounter(`payment_transitions_total{result="changed"}`)
	transitionNoopCounter     = metrics.GetOrCreateCounter(`payment_transitions_total{result="noop"}`)
	transitionConflictCounter = metrics.GetOrCreateCounter(`payment_transitions_total{result="conflict"}`)
	orderSyncFailedCounter    = metrics.GetOrCreateCounter(`payment_order_sync_total{result="failed"}`)
	orderSyncSuccessCounter   = metrics.GetOrCreateCounter(`payment_order_sync_total{result="success"}`)
)

// Change tells the store what to persist after a Mutation ran.
type Change struct {
	Save  bool
	Audit *model.AuditEntry
}

// Mutation runs while the payment row is locked. Returning an error discards every change.
type Mutation func(p *model.Payment) (Change, error)

type Store interface {
	FindByGatewayRef(ctx context.Context, ref string) (*model.Payment, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	UpdateByGatewayRef(ctx context.Context, ref string, fn Mutation) (*model.Payment, error)
	UpdateByID(ctx context.Context, id uuid.UUID, fn Mutation) (*model.Payment, error)
	FindOrder(ctx context.Context, paymentID uuid.UUID) (*model.Order, error)
	MarkOrderPaid(ctx context.Context, orderID uuid.UUID) error
}

type Gateway interface {
	CancelBilling(ctx context.Context, billingID string) (bool, error)
	GetBillingStatus(ctx context.Context, billingID string) (*model.BillingStatus, error)
}

type Transition struct {
	BillingID string
	Status    model.PaymentStatus
	Fee       decimal.NullDecimal
	PaidAt    *time.Time
	Metadata  json.RawMessage
	Source    string
}

type Result struct {
	Payment  *model.Payment
	Previous model.PaymentStatus
	Changed  bool
}

type StateMachine struct {
	store   Store
	audit   *audit.Log
	gateway Gateway
	logger  *slog.Logger
}

func NewStateMachine(store Store, auditLog *audit.Log, gateway Gateway, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		store:   store,
		audit:   auditLog,
		gateway: gateway,
		logger:  logger,
	}
}

// Apply moves the payment with t.BillingID to t.Status.
// Re-applying a terminal status is a no-op; any other change to a terminal payment is rejected.
func (m *StateMachine) Apply(ctx context.Context, t Transition) (*Result, error) {
	res := &Result{}
	var rejected *model.Payment

	updated, err := m.store.UpdateByGatewayRef(ctx, t.BillingID, func(p *model.Payment) (Change, error) {
		res.Previous = p.Status

		if p.Status.IsTerminal() {
			if p.Status == t.Status {
				return Change{}, nil
			}
			rejected = p.Clone()
			return Change{}, apperr.Newf(apperr.ConflictingTransition, "payment is %s, cannot move to %s", p.Status, t.Status)
		}

		now := time.Now().UTC()
		p.Status = t.Status
		p.UpdatedAt = now
		if t.Fee.Valid {
			p.Fee = t.Fee
		}
		if len(t.Metadata) > 0 {
			p.Metadata = t.Metadata
		}
		if t.Status == model.StatusPaid {
			paidAt := now
			if t.PaidAt != nil {
				paidAt = t.PaidAt.UTC()
			}
			p.ProcessedAt = &paidAt
		}

		change := Change{Save: true}
		if res.Previous != p.Status {
			res.Changed = true
			change.Audit = audit.NewStatusChanged(p.ID, res.Previous, p.Status, t.Source, nil, "")
		}
		return change, nil
	})
	if err != nil {
		if rejected != nil {
			transitionConflictCounter.Inc()
			m.logger.WarnContext(ctx, "Rejected transition on terminal payment", "paymentId", rejected.ID, "status", rejected.Status, "requested", t.Status)
			if aerr := m.audit.TransitionRejected(ctx, rejected.ID, rejected.Status, t.Status, t.Source); aerr != nil {
				m.logger.ErrorContext(ctx, "Error auditing rejected transition", "error", aerr)
			}
		}
		return nil, classify(err, "applying transition")
	}

	res.Payment = updated
	if !res.Changed {
		transitionNoopCounter.Inc()
		return res, nil
	}

	transitionChangedCounter.Inc()
	m.logger.InfoContext(ctx, "Payment status changed", "paymentId", updated.ID, "from", res.Previous, "to", updated.Status)

	if updated.Status == model.StatusPaid {
		m.syncOrder(ctx, updated)
	}
	return res, nil
}

// syncOrder marks the parent order paid. Failures are logged and audited, never returned.
func (m *StateMachine) syncOrder(ctx context.Context, p *model.Payment) {
	err := m.markOrderPaid(ctx, p)
	if err == nil {
		orderSyncSuccessCounter.Inc()
		return
	}

	orderSyncFailedCounter.Inc()
	m.logger.ErrorContext(ctx, "Error marking order paid", "paymentId", p.ID, "error", err)
	if aerr := m.audit.OrderSyncFailed(ctx, p.ID, err); aerr != nil {
		m.logger.ErrorContext(ctx, "Error auditing order sync failure", "error", aerr)
	}
}

func (m *StateMachine) markOrderPaid(ctx context.Context, p *model.Payment) error {
	order, err := m.store.FindOrder(ctx, p.ID)
	if err != nil {
		return errors.Wrap(err, "finding order")
	}
	if order.Status == model.OrderStatusPaid {
		return nil
	}
	return errors.Wrap(m.store.MarkOrderPaid(ctx, order.ID), "updating order")
}

// Cancel cancels a payment on behalf of actor. The gateway billing is cancelled
// best-effort; a gateway failure is kept on the payment but does not block the cancel.
func (m *StateMachine) Cancel(ctx context.Context, paymentID uuid.UUID, reason string, actor model.Actor) (*Result, error) {
	current, err := m.store.FindByID(ctx, paymentID)
	if err != nil {
		return nil, classify(err, "loading payment")
	}
	if err := cancellable(current); err != nil {
		return nil, err
	}

	var gatewayErr string
	if current.BillingID != "" && m.gateway != nil {
		ok, err := m.gateway.CancelBilling(ctx, current.BillingID)
		switch {
		case err != nil:
			gatewayErr = "gateway cancel failed: " + err.Error()
		case !ok:
			gatewayErr = "gateway cancel was not confirmed"
		}
		if gatewayErr != "" {
			m.logger.WarnContext(ctx, "Gateway did not cancel billing", "paymentId", paymentID, "error", gatewayErr)
		}
	}

	source := actor.UserID
	if source == "" {
		source = model.SourceSystem
	}

	res := &Result{}
	updated, err := m.store.UpdateByID(ctx, paymentID, func(p *model.Payment) (Change, error) {
		if err := cancellable(p); err != nil {
			return Change{}, err
		}
		res.Previous = p.Status
		res.Changed = true
		p.Status = model.StatusCancelled
		p.UpdatedAt = time.Now().UTC()
		if gatewayErr != "" {
			p.ErrorMessage = &gatewayErr
		}
		return Change{
			Save:  true,
			Audit: audit.NewStatusChanged(p.ID, res.Previous, p.Status, source, &actor, reason),
		}, nil
	})
	if err != nil {
		return nil, classify(err, "cancelling payment")
	}

	transitionChangedCounter.Inc()
	m.logger.InfoContext(ctx, "Payment cancelled", "paymentId", paymentID, "by", source)

	res.Payment = updated
	return res, nil
}

func cancellable(p *model.Payment) error {
	switch p.Status {
	case model.StatusPaid:
		return apperr.New(apperr.ConflictingTransition, "paid payments cannot be cancelled")
	case model.StatusCancelled:
		return apperr.New(apperr.ConflictingTransition, "payment is already cancelled")
	}
	return nil
}

// Sync returns the payment, first reconciling a pending payment with the gateway.
// Gateway errors leave the stored status untouched.
func (m *StateMachine) Sync(ctx context.Context, paymentID uuid.UUID) (*Result, error) {
	p, err := m.store.FindByID(ctx, paymentID)
	if err != nil {
		return nil, classify(err, "loading payment")
	}

	unchanged := &Result{Payment: p, Previous: p.Status}
	if p.Status != model.StatusPending || p.BillingID == "" || m.gateway == nil {
		return unchanged, nil
	}

	remote, err := m.gateway.GetBillingStatus(ctx, p.BillingID)
	if err != nil {
		m.logger.WarnContext(ctx, "Error fetching billing status", "paymentId", p.ID, "error", err)
		return unchanged, nil
	}

	status, ok := model.ParseStatus(remote.Status)
	if !ok || status == p.Status {
		return unchanged, nil
	}

	return m.Apply(ctx, Transition{
		BillingID: p.BillingID,
		Status:    status,
		Fee:       remote.PlatformFee,
		PaidAt:    remote.PaidAt,
		Source:    model.SourceSystem,
	})
}

func classify(err error, msg string) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, model.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, err, msg)
	default:
		return apperr.Wrap(apperr.Transient, err, msg)
	}
}
