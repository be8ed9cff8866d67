package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-webhook-service/internal/model"
)

type Deliveries struct {
	mu       sync.Mutex
	byKey    map[model.IdempotencyKey]*model.DeliveryAttempt
	readErrs faults
}

func newDeliveries() *Deliveries {
	return &Deliveries{byKey: map[model.IdempotencyKey]*model.DeliveryAttempt{}}
}

// FailReads makes the next n key lookups fail with err.
func (s *Deliveries) FailReads(n int, err error) {
	s.readErrs.add(n, err)
}

func (s *Deliveries) All() []*model.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.DeliveryAttempt, 0, len(s.byKey))
	for _, a := range s.byKey {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstAttemptAt.Before(out[j].FirstAttemptAt) })
	return out
}

func (s *Deliveries) FindByKey(_ context.Context, key model.IdempotencyKey) (*model.DeliveryAttempt, error) {
	if err := s.readErrs.next(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byKey[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Deliveries) FindByID(_ context.Context, id uuid.UUID) (*model.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byKey {
		if a.ID == id {
			return a.Clone(), nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Deliveries) Create(_ context.Context, a *model.DeliveryAttempt) (*model.DeliveryAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[a.Key()]; ok {
		if a.Authenticated {
			existing.Authenticated = true
		}
		return existing.Clone(), false, nil
	}
	s.byKey[a.Key()] = a.Clone()
	return a.Clone(), true, nil
}

func (s *Deliveries) Upsert(_ context.Context, seed *model.DeliveryAttempt, fn func(a *model.DeliveryAttempt)) (*model.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byKey[seed.Key()]
	if !ok {
		a = seed.Clone()
		s.byKey[seed.Key()] = a
	}
	fn(a)
	return a.Clone(), nil
}

func (s *Deliveries) MarkProcessed(_ context.Context, key model.IdempotencyKey, paymentID uuid.NullUUID, message string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byKey[key]
	if !ok {
		return false, nil
	}
	a.IsProcessed = true
	a.ProcessedAt = &at
	a.LastAttemptAt = &at
	a.SuccessMessage = &message
	a.LastErrorMessage = nil
	a.NextRetryAt = nil
	if paymentID.Valid {
		a.PaymentID = paymentID
	}
	return true, nil
}

func (s *Deliveries) ListDue(_ context.Context, now time.Time, limit int) ([]*model.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.DeliveryAttempt
	for _, a := range s.byKey {
		if a.Due(now) {
			due = append(due, a.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FirstAttemptAt.Before(due[j].FirstAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Deliveries) ClaimAlert(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byKey {
		if a.ID == id {
			if a.AlertedAt != nil {
				return false, nil
			}
			a.AlertedAt = &at
			return true, nil
		}
	}
	return false, model.ErrNotFound
}
