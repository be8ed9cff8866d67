package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-webhook-service/internal/model"
)

type AuditLog struct {
	mu         sync.Mutex
	entries    []*model.AuditEntry
	insertErrs faults
}

// FailInserts makes the next n inserts fail with err.
func (s *AuditLog) FailInserts(n int, err error) {
	s.insertErrs.add(n, err)
}

func (s *AuditLog) Entries() []*model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.AuditEntry, len(s.entries))
	for i, e := range s.entries {
		c := *e
		out[i] = &c
	}
	return out
}

func (s *AuditLog) Count(eventType model.AuditEventType) int {
	n := 0
	for _, e := range s.Entries() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (s *AuditLog) Insert(_ context.Context, e *model.AuditEntry) error {
	if err := s.insertErrs.next(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.entries = append(s.entries, &c)
	return nil
}

func (s *AuditLog) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for _, e := range s.Entries() {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *AuditLog) ListByPeriod(_ context.Context, from, to time.Time) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for _, e := range s.Entries() {
		if !e.CreatedAt.Before(from) && !e.CreatedAt.After(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
