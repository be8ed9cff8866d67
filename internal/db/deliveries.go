package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/model"
)

const deliveryColumns = `id, payment_id, external_event_id, payload_hash, event_type, attempt_count, is_processed,
	first_attempt_at, last_attempt_at, processed_at, next_retry_at, last_error_message, success_message, alerted_at,
	authenticated, signature, payload`

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

func (r *DeliveryRepository) FindByKey(ctx context.Context, key model.IdempotencyKey) (*model.DeliveryAttempt, error) {
	return findDeliveryByKey(ctx, r.pool, key, "")
}

func (r *DeliveryRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.DeliveryAttempt, error) {
	return scanDelivery(r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE id = $1`, id))
}

func (r *DeliveryRepository) Create(ctx context.Context, a *model.DeliveryAttempt) (*model.DeliveryAttempt, bool, error) {
	created, err := insertDelivery(ctx, r.pool, a)
	if err != nil {
		return nil, false, err
	}

	if !created && a.Authenticated {
		query := `UPDATE delivery_attempts SET authenticated = TRUE
		          WHERE external_event_id = $1 AND payload_hash = $2 AND NOT authenticated`
		if _, err := r.pool.Exec(ctx, query, a.ExternalEventID, a.PayloadHash); err != nil {
			return nil, false, errors.Wrap(err, "marking delivery authenticated")
		}
	}

	stored, err := r.FindByKey(ctx, a.Key())
	if err != nil {
		return nil, false, errors.Wrap(err, "reloading delivery attempt")
	}
	return stored, created, nil
}

func (r *DeliveryRepository) Upsert(ctx context.Context, seed *model.DeliveryAttempt, fn func(a *model.DeliveryAttempt)) (*model.DeliveryAttempt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := insertDelivery(ctx, tx, seed); err != nil {
		return nil, err
	}

	a, err := findDeliveryByKey(ctx, tx, seed.Key(), " FOR UPDATE")
	if err != nil {
		return nil, err
	}

	fn(a)

	query := `UPDATE delivery_attempts SET event_type = $2, attempt_count = $3, last_attempt_at = $4,
	          next_retry_at = $5, last_error_message = $6, authenticated = $7, signature = $8
	          WHERE id = $1`
	if _, err := tx.Exec(ctx, query, a.ID, a.EventType, a.AttemptCount, a.LastAttemptAt, a.NextRetryAt, a.LastErrorMessage,
		a.Authenticated, optionalString(a.Signature)); err != nil {
		return nil, errors.Wrap(err, "updating delivery attempt")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing delivery attempt")
	}
	return a, nil
}

func (r *DeliveryRepository) MarkProcessed(ctx context.Context, key model.IdempotencyKey, paymentID uuid.NullUUID, message string, at time.Time) (bool, error) {
	query := `UPDATE delivery_attempts
	          SET is_processed = TRUE, processed_at = $3, last_attempt_at = $3, success_message = $4,
	              last_error_message = NULL, next_retry_at = NULL, payment_id = COALESCE($5, payment_id)
	          WHERE external_event_id = $1 AND payload_hash = $2`
	tag, err := r.pool.Exec(ctx, query, key.EventID, key.PayloadHash, at, message, paymentID)
	if err != nil {
		return false, errors.Wrap(err, "marking delivery processed")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *DeliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryAttempt, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_attempts
	          WHERE is_processed = FALSE AND last_error_message <> '' AND next_retry_at <= $1
	          ORDER BY first_attempt_at
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying due deliveries")
	}
	defer rows.Close()

	var due []*model.DeliveryAttempt
	for rows.Next() {
		a, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, a)
	}
	return due, rows.Err()
}

func (r *DeliveryRepository) ClaimAlert(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `UPDATE delivery_attempts SET alerted_at = $2 WHERE id = $1 AND alerted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, errors.Wrap(err, "claiming alert")
	}
	return tag.RowsAffected() == 1, nil
}

func insertDelivery(ctx context.Context, q querier, a *model.DeliveryAttempt) (bool, error) {
	query := `INSERT INTO delivery_attempts (id, payment_id, external_event_id, payload_hash, event_type, attempt_count,
	          is_processed, first_attempt_at, last_attempt_at, authenticated, signature, payload)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	          ON CONFLICT (external_event_id, payload_hash) DO NOTHING`
	tag, err := q.Exec(ctx, query, a.ID, a.PaymentID, a.ExternalEventID, a.PayloadHash, a.EventType, a.AttemptCount,
		a.IsProcessed, a.FirstAttemptAt, a.LastAttemptAt, a.Authenticated, optionalString(a.Signature), a.Payload)
	if err != nil {
		return false, errors.Wrap(err, "inserting delivery attempt")
	}
	return tag.RowsAffected() == 1, nil
}

func findDeliveryByKey(ctx context.Context, q querier, key model.IdempotencyKey, suffix string) (*model.DeliveryAttempt, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_attempts WHERE external_event_id = $1 AND payload_hash = $2` + suffix
	return scanDelivery(q.QueryRow(ctx, query, key.EventID, key.PayloadHash))
}

func scanDelivery(row pgx.Row) (*model.DeliveryAttempt, error) {
	var (
		a   model.DeliveryAttempt
		sig *string
	)
	err := row.Scan(&a.ID, &a.PaymentID, &a.ExternalEventID, &a.PayloadHash, &a.EventType, &a.AttemptCount, &a.IsProcessed,
		&a.FirstAttemptAt, &a.LastAttemptAt, &a.ProcessedAt, &a.NextRetryAt, &a.LastErrorMessage, &a.SuccessMessage,
		&a.AlertedAt, &a.Authenticated, &sig, &a.Payload)
	if err != nil {
		return nil, notFound(err)
	}
	if sig != nil {
		a.Signature = *sig
	}
	return &a, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
