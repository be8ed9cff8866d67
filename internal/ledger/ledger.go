package ledger

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/model"
)

const (
	maxErrorMessageLen   = 1000
	maxSuccessMessageLen = 500
	unknownEventType     = "unknown"
)

type Store interface {
	FindByKey(ctx context.Context, key model.IdempotencyKey) (*model.DeliveryAttempt, error)
	FindByID(ctx context.Context, id uuid.UUID) (*model.DeliveryAttempt, error)
	// Create inserts a unless an entry with the same key exists and returns the stored entry.
	Create(ctx context.Context, a *model.DeliveryAttempt) (*model.DeliveryAttempt, bool, error)
	// Upsert makes sure an entry for seed's key exists, then applies fn to it under a row lock.
	Upsert(ctx context.Context, seed *model.DeliveryAttempt, fn func(a *model.DeliveryAttempt)) (*model.DeliveryAttempt, error)
	MarkProcessed(ctx context.Context, key model.IdempotencyKey, paymentID uuid.NullUUID, message string, at time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryAttempt, error)
	ClaimAlert(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type Ledger struct {
	store       Store
	maxAttempts int
	batchSize   int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithBatchSize(n int) Option {
	return func(l *Ledger) { l.batchSize = n }
}

func New(store Store, maxAttempts int, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		maxAttempts: maxAttempts,
		batchSize:   50,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

func (l *Ledger) MaxAttempts() int {
	return l.maxAttempts
}

// Exhausted reports whether a has used up its automatic retries.
func (l *Ledger) Exhausted(a *model.DeliveryAttempt) bool {
	return !a.IsProcessed && a.AttemptCount >= l.maxAttempts
}

func (l *Ledger) IsProcessed(ctx context.Context, key model.IdempotencyKey) (bool, error) {
	a, err := l.store.FindByKey(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.IsProcessed, nil
}

type Registration struct {
	Key       model.IdempotencyKey
	EventType string
	Payload   []byte
}

// RecordAttempt registers a delivery whose signature has been verified. Calling it again
// for the same key returns the existing entry, marked authenticated.
// New entries start with no failed attempts.
func (l *Ledger) RecordAttempt(ctx context.Context, r Registration) (*model.DeliveryAttempt, error) {
	now := l.Now()
	a, created, err := l.store.Create(ctx, &model.DeliveryAttempt{
		ID:              uuid.New(),
		ExternalEventID: r.Key.EventID,
		PayloadHash:     r.Key.PayloadHash,
		EventType:       eventType(r.EventType),
		FirstAttemptAt:  now,
		LastAttemptAt:   &now,
		Authenticated:   true,
		Payload:         r.Payload,
	})
	if err != nil {
		return nil, err
	}
	if created {
		l.logger.DebugContext(ctx, "Registered webhook delivery", "id", a.ID)
	}
	return a, nil
}

// MarkProcessed is a no-op when no entry exists for key.
func (l *Ledger) MarkProcessed(ctx context.Context, key model.IdempotencyKey, paymentID uuid.NullUUID, message string) error {
	updated, err := l.store.MarkProcessed(ctx, key, paymentID, truncate(message, maxSuccessMessageLen), l.Now())
	if err != nil {
		return err
	}
	if !updated {
		l.logger.WarnContext(ctx, "No ledger entry to mark processed")
	}
	return nil
}

type Failure struct {
	Key       model.IdempotencyKey
	EventType string
	Payload   []byte
	Signature string
	// Authenticated reports that the payload passed signature verification before failing.
	Authenticated bool
	Message       string
	// Retry schedules an automatic retry unless the ceiling is reached.
	Retry bool
}

// MarkFailed records a failed attempt, creating a failure-only entry when none exists.
// Processed entries are left untouched.
func (l *Ledger) MarkFailed(ctx context.Context, f Failure) (*model.DeliveryAttempt, error) {
	now := l.Now()
	message := truncate(f.Message, maxErrorMessageLen)

	seed := &model.DeliveryAttempt{
		ID:              uuid.New(),
		ExternalEventID: f.Key.EventID,
		PayloadHash:     f.Key.PayloadHash,
		EventType:       eventType(f.EventType),
		FirstAttemptAt:  now,
		Authenticated:   f.Authenticated,
		Signature:       f.Signature,
		Payload:         f.Payload,
	}

	return l.store.Upsert(ctx, seed, func(a *model.DeliveryAttempt) {
		if a.IsProcessed {
			return
		}

		a.AttemptCount++
		a.LastAttemptAt = &now
		a.LastErrorMessage = &message
		if a.EventType == unknownEventType && f.EventType != "" {
			a.EventType = f.EventType
		}
		if f.Authenticated {
			a.Authenticated = true
		}
		if a.Signature == "" {
			a.Signature = f.Signature
		}

		if f.Retry && a.AttemptCount < l.maxAttempts {
			next := now.Add(Backoff(a.AttemptCount))
			a.NextRetryAt = &next
		} else {
			a.NextRetryAt = nil
		}
	})
}

func (l *Ledger) ListDue(ctx context.Context) ([]*model.DeliveryAttempt, error) {
	return l.store.ListDue(ctx, l.Now(), l.batchSize)
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryAttempt, error) {
	return l.store.FindByID(ctx, id)
}

// ClaimAlert returns true exactly once per entry.
func (l *Ledger) ClaimAlert(ctx context.Context, id uuid.UUID) (bool, error) {
	return l.store.ClaimAlert(ctx, id, l.Now())
}

func eventType(t string) string {
	if t == "" {
		return unknownEventType
	}
	return truncate(t, 50)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
