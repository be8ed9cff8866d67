package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/model"
)

const auditColumns = `id, payment_id, event_type, source, event_data, user_id, ip_address, user_agent, additional_info, created_at`

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Insert(ctx context.Context, e *model.AuditEntry) error {
	return insertAudit(ctx, r.pool, e)
}

func (r *AuditRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM payment_audit_log WHERE payment_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, paymentID)
}

func (r *AuditRepository) ListByPeriod(ctx context.Context, from, to time.Time) ([]*model.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM payment_audit_log WHERE created_at BETWEEN $1 AND $2 ORDER BY created_at DESC`
	return r.list(ctx, query, from, to)
}

func (r *AuditRepository) list(ctx context.Context, query string, args ...any) ([]*model.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying audit log")
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		err := rows.Scan(&e.ID, &e.PaymentID, &e.EventType, &e.Source, &e.EventData, &e.UserID, &e.IPAddress,
			&e.UserAgent, &e.AdditionalInfo, &e.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning audit entry")
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func insertAudit(ctx context.Context, q querier, e *model.AuditEntry) error {
	query := `INSERT INTO payment_audit_log (id, payment_id, event_type, source, event_data, user_id, ip_address,
	          user_agent, additional_info, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := q.Exec(ctx, query, e.ID, e.PaymentID, e.EventType, e.Source, jsonb(e.EventData), e.UserID, e.IPAddress,
		e.UserAgent, jsonb(e.AdditionalInfo), e.CreatedAt)
	return errors.Wrap(err, "inserting audit entry")
}
