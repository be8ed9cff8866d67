// Package memstore keeps payments, ledger entries and audit entries in memory.
// Every store can be told to fail its next calls.
package memstore

import (
	"sync"
)

type Store struct {
	Payments   *Payments
	Deliveries *Deliveries
	Audit      *AuditLog
}

func New() *Store {
	auditLog := &AuditLog{}
	return &Store{
		Payments:   newPayments(auditLog),
		Deliveries: newDeliveries(),
		Audit:      auditLog,
	}
}

// faults hands out queued errors, one per call.
type faults struct {
	mu   sync.Mutex
	errs []error
}

func (f *faults) add(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.errs = append(f.errs, err)
	}
}

func (f *faults) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}
