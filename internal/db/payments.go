package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/payment"
)

const paymentColumns = `id, order_id, amount, currency, method, status, COALESCE(billing_id, ''), fee,
	COALESCE(customer_email, ''), metadata, error_message, created_at, updated_at, processed_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	query := `INSERT INTO orders (id, status, updated_at) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, order.ID, order.Status, order.UpdatedAt)
	return errors.Wrap(err, "inserting order")
}

func (r *PaymentRepository) Create(ctx context.Context, p *model.Payment) error {
	query := `INSERT INTO payments (id, order_id, amount, currency, method, status, billing_id, fee,
	          customer_email, metadata, error_message, created_at, updated_at, processed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, p.ID, p.OrderID, p.Amount, p.Currency, p.Method, p.Status, p.BillingID, p.Fee,
		p.CustomerEmail, jsonb(p.Metadata), p.ErrorMessage, p.CreatedAt, p.UpdatedAt, p.ProcessedAt)
	return errors.Wrap(err, "inserting payment")
}

func (r *PaymentRepository) FindByGatewayRef(ctx context.Context, ref string) (*model.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE billing_id = $1`, ref))
}

func (r *PaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentRepository) UpdateByGatewayRef(ctx context.Context, ref string, fn payment.Mutation) (*model.Payment, error) {
	return r.update(ctx, `billing_id = $1`, ref, fn)
}

func (r *PaymentRepository) UpdateByID(ctx context.Context, id uuid.UUID, fn payment.Mutation) (*model.Payment, error) {
	return r.update(ctx, `id = $1`, id, fn)
}

// update runs fn with the payment row locked and stores the result together
// with its audit entry in one transaction.
func (r *PaymentRepository) update(ctx context.Context, where string, arg any, fn payment.Mutation) (*model.Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+` FOR UPDATE`, arg))
	if err != nil {
		return nil, err
	}

	change, err := fn(p)
	if err != nil {
		return nil, err
	}
	if !change.Save {
		return p, nil
	}

	query := `UPDATE payments SET status = $2, fee = $3, metadata = $4, error_message = $5, updated_at = $6, processed_at = $7
	          WHERE id = $1`
	if _, err := tx.Exec(ctx, query, p.ID, p.Status, p.Fee, jsonb(p.Metadata), p.ErrorMessage, p.UpdatedAt, p.ProcessedAt); err != nil {
		return nil, errors.Wrap(err, "updating payment")
	}

	if change.Audit != nil {
		if err := insertAudit(ctx, tx, change.Audit); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing payment update")
	}
	return p, nil
}

func (r *PaymentRepository) FindOrder(ctx context.Context, paymentID uuid.UUID) (*model.Order, error) {
	query := `SELECT o.id, o.status, o.updated_at FROM orders o JOIN payments p ON p.order_id = o.id WHERE p.id = $1`

	var order model.Order
	if err := r.pool.QueryRow(ctx, query, paymentID).Scan(&order.ID, &order.Status, &order.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (r *PaymentRepository) MarkOrderPaid(ctx context.Context, orderID uuid.UUID) error {
	query := `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, orderID, model.OrderStatusPaid, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.Method, &p.Status, &p.BillingID, &p.Fee,
		&p.CustomerEmail, &p.Metadata, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt, &p.ProcessedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
