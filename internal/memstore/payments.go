package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/payment"
)

type Payments struct {
	mu         sync.Mutex
	payments   map[uuid.UUID]*model.Payment
	orders     map[uuid.UUID]*model.Order
	audit      *AuditLog
	updateErrs faults
	orderErrs  faults
}

func newPayments(auditLog *AuditLog) *Payments {
	return &Payments{
		payments: map[uuid.UUID]*model.Payment{},
		orders:   map[uuid.UUID]*model.Order{},
		audit:    auditLog,
	}
}

// Seed stores a pending payment with its order and returns it.
func (s *Payments) Seed(billingID string) *model.Payment {
	now := time.Now().UTC()
	order := &model.Order{ID: uuid.New(), Status: "pending", UpdatedAt: now}
	p := &model.Payment{
		ID:            uuid.New(),
		OrderID:       order.ID,
		Currency:      "BRL",
		Method:        "pix",
		Status:        model.StatusPending,
		BillingID:     billingID,
		CustomerEmail: "customer@example.com",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.Put(p, order)
	return p.Clone()
}

func (s *Payments) Put(p *model.Payment, order *model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p.Clone()
	if order != nil {
		o := *order
		s.orders[order.ID] = &o
	}
}

// FailUpdates makes the next n updates fail with err.
func (s *Payments) FailUpdates(n int, err error) {
	s.updateErrs.add(n, err)
}

// FailOrderUpdates makes the next n order updates fail with err.
func (s *Payments) FailOrderUpdates(n int, err error) {
	s.orderErrs.add(n, err)
}

func (s *Payments) Order(id uuid.UUID) *model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	c := *o
	return &c
}

func (s *Payments) Get(id uuid.UUID) *model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil
	}
	return p.Clone()
}

func (s *Payments) FindByGatewayRef(_ context.Context, ref string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byRef(ref)
	if p == nil {
		return nil, model.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Payments) FindByID(_ context.Context, id uuid.UUID) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Payments) UpdateByGatewayRef(_ context.Context, ref string, fn payment.Mutation) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(s.byRef(ref), fn)
}

func (s *Payments) UpdateByID(_ context.Context, id uuid.UUID, fn payment.Mutation) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(s.payments[id], fn)
}

func (s *Payments) update(stored *model.Payment, fn payment.Mutation) (*model.Payment, error) {
	if err := s.updateErrs.next(); err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, model.ErrNotFound
	}

	working := stored.Clone()
	change, err := fn(working)
	if err != nil {
		return nil, err
	}
	if !change.Save {
		return stored.Clone(), nil
	}

	if change.Audit != nil {
		if err := s.audit.Insert(context.Background(), change.Audit); err != nil {
			return nil, err
		}
	}
	s.payments[working.ID] = working
	return working.Clone(), nil
}

func (s *Payments) FindOrder(_ context.Context, paymentID uuid.UUID) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, model.ErrNotFound
	}
	o, ok := s.orders[p.OrderID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (s *Payments) MarkOrderPaid(_ context.Context, orderID uuid.UUID) error {
	if err := s.orderErrs.next(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.ErrNotFound
	}
	o.Status = model.OrderStatusPaid
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Payments) byRef(ref string) *model.Payment {
	for _, p := range s.payments {
		if p.BillingID == ref {
			return p
		}
	}
	return nil
}
