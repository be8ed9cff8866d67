package db_test

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/payment"
	"payment-webhook-service/internal/testhelpers"
)

type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	payments    *db.PaymentRepository
	deliveries  *db.DeliveryRepository
	audit       *db.AuditRepository
	ctx         context.Context
}

func (s *RepositoryTestSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("skipping postgres container tests in short mode")
	}
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.payments = db.NewPaymentRepository(pool)
	s.deliveries = db.NewDeliveryRepository(pool)
	s.audit = db.NewAuditRepository(pool)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		if err := s.pgContainer.Terminate(s.ctx); err != nil {
			log.Fatalf("error terminating postgres container: %s", err)
		}
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE payment_audit_log, delivery_attempts, payments, orders")
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *RepositoryTestSuite) seedPayment(billingID string) *model.Payment {
	t := s.T()
	now := time.Now().UTC().Truncate(time.Microsecond)

	order := &model.Order{ID: uuid.New(), Status: "pending", UpdatedAt: now}
	require.NoError(t, s.payments.CreateOrder(s.ctx, order))

	p := &model.Payment{
		ID:            uuid.New(),
		OrderID:       order.ID,
		Amount:        decimal.RequireFromString("149.90"),
		Currency:      "BRL",
		Method:        "pix",
		Status:        model.StatusPending,
		BillingID:     billingID,
		CustomerEmail: "customer@example.com",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.payments.Create(s.ctx, p))
	return p
}

func (s *RepositoryTestSuite) TestPayment_FindByGatewayRef() {
	t := s.T()
	p := s.seedPayment("bill_1")

	found, err := s.payments.FindByGatewayRef(s.ctx, "bill_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
	assert.True(t, p.Amount.Equal(found.Amount))
	assert.Equal(t, model.StatusPending, found.Status)
	assert.False(t, found.Fee.Valid)
	assert.Equal(t, "customer@example.com", found.CustomerEmail)

	_, err = s.payments.FindByGatewayRef(s.ctx, "bill_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func (s *RepositoryTestSuite) TestPayment_UpdateWritesAuditInSameTransaction() {
	t := s.T()
	p := s.seedPayment("bill_1")

	updated, err := s.payments.UpdateByGatewayRef(s.ctx, "bill_1", func(p *model.Payment) (payment.Change, error) {
		p.Status = model.StatusPaid
		p.Fee = decimal.NewNullDecimal(decimal.RequireFromString("0.80"))
		p.Metadata = json.RawMessage(`{"source":"pix"}`)
		return payment.Change{Save: true, Audit: &model.AuditEntry{
			ID:        uuid.New(),
			PaymentID: p.ID,
			EventType: model.AuditStatusChanged,
			Source:    "AbacatePay",
			EventData: json.RawMessage(`{"oldStatus":"pending","newStatus":"paid"}`),
			CreatedAt: time.Now().UTC(),
		}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, updated.Status)

	stored, err := s.payments.FindByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, stored.Status)
	assert.True(t, stored.Fee.Decimal.Equal(decimal.RequireFromString("0.8")))
	assert.JSONEq(t, `{"source":"pix"}`, string(stored.Metadata))

	entries, err := s.audit.ListByPayment(s.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"oldStatus":"pending","newStatus":"paid"}`, string(entries[0].EventData))
}

func (s *RepositoryTestSuite) TestPayment_FailedMutationLeavesRowUntouched() {
	t := s.T()
	p := s.seedPayment("bill_1")

	_, err := s.payments.UpdateByID(s.ctx, p.ID, func(p *model.Payment) (payment.Change, error) {
		p.Status = model.StatusCancelled
		return payment.Change{}, apperr.New(apperr.ConflictingTransition, "rejected")
	})
	assert.Equal(t, apperr.ConflictingTransition, apperr.KindOf(err))

	_, err = s.payments.UpdateByID(s.ctx, p.ID, func(p *model.Payment) (payment.Change, error) {
		p.Status = model.StatusCancelled
		// audit entry for an unknown payment violates the foreign key
		return payment.Change{Save: true, Audit: &model.AuditEntry{
			ID:        uuid.New(),
			PaymentID: uuid.New(),
			EventType: model.AuditStatusChanged,
			Source:    "System",
			EventData: json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC(),
		}}, nil
	})
	assert.Error(t, err)

	stored, err := s.payments.FindByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func (s *RepositoryTestSuite) TestPayment_ConcurrentUpdatesAreSerialized() {
	t := s.T()
	p := s.seedPayment("bill_1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.payments.UpdateByGatewayRef(s.ctx, "bill_1", func(p *model.Payment) (payment.Change, error) {
				if p.Status == model.StatusPaid {
					return payment.Change{}, nil
				}
				mu.Lock()
				changes++
				mu.Unlock()
				p.Status = model.StatusPaid
				return payment.Change{Save: true}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changes)
	stored, err := s.payments.FindByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, stored.Status)
}

func (s *RepositoryTestSuite) TestPayment_Orders() {
	t := s.T()
	p := s.seedPayment("bill_1")

	order, err := s.payments.FindOrder(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.OrderID, order.ID)

	require.NoError(t, s.payments.MarkOrderPaid(s.ctx, order.ID))
	order, err = s.payments.FindOrder(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Status)

	assert.ErrorIs(t, s.payments.MarkOrderPaid(s.ctx, uuid.New()), model.ErrNotFound)
}

func newAttempt(eventID, hash string) *model.DeliveryAttempt {
	now := time.Now().UTC()
	return &model.DeliveryAttempt{
		ID:              uuid.New(),
		ExternalEventID: eventID,
		PayloadHash:     hash,
		EventType:       "billing.paid",
		FirstAttemptAt:  now,
		LastAttemptAt:   &now,
		Payload:         []byte(`{"id":"` + eventID + `"}`),
	}
}

func (s *RepositoryTestSuite) TestDelivery_CreateIsIdempotent() {
	t := s.T()

	first, created, err := s.deliveries.Create(s.ctx, newAttempt("evt_1", "hash_1"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.deliveries.Create(s.ctx, newAttempt("evt_1", "hash_1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := s.deliveries.Create(s.ctx, newAttempt("evt_1", "hash_2"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, []byte(`{"id":"evt_1"}`), other.Payload)
}

func (s *RepositoryTestSuite) TestDelivery_AuthenticationIsPersisted() {
	t := s.T()
	msg := "signature mismatch"

	unverified := newAttempt("evt_1", "h")
	unverified.Signature = "deadbeef"
	a, err := s.deliveries.Upsert(s.ctx, unverified, func(a *model.DeliveryAttempt) {
		a.AttemptCount++
		a.LastErrorMessage = &msg
	})
	require.NoError(t, err)
	assert.False(t, a.Authenticated)

	stored, err := s.deliveries.FindByID(s.ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, stored.Authenticated)
	assert.Equal(t, "deadbeef", stored.Signature)

	verified := newAttempt("evt_1", "h")
	verified.Authenticated = true
	stored, created, err := s.deliveries.Create(s.ctx, verified)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, stored.ID)
	assert.True(t, stored.Authenticated)
}

func (s *RepositoryTestSuite) TestDelivery_UpsertAndListDue() {
	t := s.T()
	now := time.Now().UTC()
	msg := "connection refused"

	fail := func(next *time.Time) func(a *model.DeliveryAttempt) {
		return func(a *model.DeliveryAttempt) {
			a.AttemptCount++
			a.LastErrorMessage = &msg
			a.NextRetryAt = next
		}
	}

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due, err := s.deliveries.Upsert(s.ctx, newAttempt("evt_due", "h"), fail(&past))
	require.NoError(t, err)
	assert.Equal(t, 1, due.AttemptCount)

	due, err = s.deliveries.Upsert(s.ctx, newAttempt("evt_due", "h"), fail(&past))
	require.NoError(t, err)
	assert.Equal(t, 2, due.AttemptCount)

	_, err = s.deliveries.Upsert(s.ctx, newAttempt("evt_later", "h"), fail(&future))
	require.NoError(t, err)
	_, err = s.deliveries.Upsert(s.ctx, newAttempt("evt_permanent", "h"), fail(nil))
	require.NoError(t, err)

	list, err := s.deliveries.ListDue(s.ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evt_due", list[0].ExternalEventID)
	assert.Equal(t, 2, list[0].AttemptCount)
}

func (s *RepositoryTestSuite) TestDelivery_MarkProcessed() {
	t := s.T()
	p := s.seedPayment("bill_1")
	a, _, err := s.deliveries.Create(s.ctx, newAttempt("evt_1", "h"))
	require.NoError(t, err)

	at := time.Now().UTC()
	ok, err := s.deliveries.MarkProcessed(s.ctx, a.Key(), uuid.NullUUID{UUID: p.ID, Valid: true}, "Webhook processed successfully", at)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := s.deliveries.FindByID(s.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsProcessed)
	assert.Equal(t, p.ID, stored.PaymentID.UUID)
	assert.Nil(t, stored.NextRetryAt)
	assert.Nil(t, stored.LastErrorMessage)

	ok, err = s.deliveries.MarkProcessed(s.ctx, model.IdempotencyKey{EventID: "missing", PayloadHash: "h"}, uuid.NullUUID{}, "", at)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.deliveries.FindByKey(s.ctx, model.IdempotencyKey{EventID: "missing", PayloadHash: "h"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func (s *RepositoryTestSuite) TestDelivery_ClaimAlertOnce() {
	t := s.T()
	a, _, err := s.deliveries.Create(s.ctx, newAttempt("evt_1", "h"))
	require.NoError(t, err)

	claimed, err := s.deliveries.ClaimAlert(s.ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.deliveries.ClaimAlert(s.ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func (s *RepositoryTestSuite) TestAudit_ListAndImmutability() {
	t := s.T()
	p := s.seedPayment("bill_1")
	now := time.Now().UTC()

	for i, eventType := range []model.AuditEventType{model.AuditWebhookReceived, model.AuditStatusChanged} {
		require.NoError(t, s.audit.Insert(s.ctx, &model.AuditEntry{
			ID:        uuid.New(),
			PaymentID: p.ID,
			EventType: eventType,
			Source:    "AbacatePay",
			EventData: json.RawMessage(`{}`),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := s.audit.ListByPayment(s.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.AuditStatusChanged, entries[0].EventType)

	inRange, err := s.audit.ListByPeriod(s.ctx, now.Add(-time.Minute), now.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, inRange, 1)

	_, err = s.pool.Exec(s.ctx, "UPDATE payment_audit_log SET source = 'tampered'")
	assert.Error(t, err)
	_, err = s.pool.Exec(s.ctx, "DELETE FROM payment_audit_log")
	assert.Error(t, err)
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
