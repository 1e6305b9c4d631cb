package db

import (
	"context"
	"time"

	"payment-reconciler/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	query := `INSERT INTO payments (id, external_reference, mac_address, plan_id, router_id, amount_total,
	          amount_primary_share, amount_secondary_share, status, gateway_status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          RETURNING ` + paymentColumns
	row := r.pool.QueryRow(ctx, query, p.ID, p.ExternalReference, p.MacAddress, p.PlanID, p.RouterID,
		p.AmountTotal, p.AmountPrimaryShare, p.AmountSecondaryShare, string(p.Status), p.GatewayStatus)

	created, err := scanPayment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, errors.Wrap(err, "insert payment")
	}
	return created, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "select payment by id")
	}
	return p, err
}

func (r *PaymentRepository) GetByExternalReference(ctx context.Context, ref string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_reference = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, query, ref))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "select payment by external reference")
	}
	return p, err
}

// ListOpen returns a page of non-terminal payments that are due for a status
// check, ordered by (created_at, id). A nil after starts at the oldest row.
// Payments with an unresolved reconciliation issue are held.
func (r *PaymentRepository) ListOpen(ctx context.Context, now time.Time, after *model.PageCursor, limit int) ([]*model.Payment, error) {
	args := []any{now, limit}
	keyset := ""
	if after != nil {
		keyset = "AND (p.created_at, p.id) > ($3, $4)"
		args = append(args, after.CreatedAt, after.ID)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments p
	          WHERE p.status IN ('pending', 'approved')
	            AND (p.next_attempt_at IS NULL OR p.next_attempt_at <= $1)
	            AND NOT EXISTS (SELECT 1 FROM reconciliation_issues i
	                            WHERE i.payment_id = p.id AND i.resolved_at IS NULL)
	            ` + keyset + `
	          ORDER BY p.created_at ASC, p.id ASC
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select open payments")
	}
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan open payment")
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// CompareAndSetStatus moves the payment from one status to another only if
// the persisted status still equals from. It reports whether a row changed.
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to model.Status, gatewayStatus string) (bool, error) {
	query := `UPDATE payments SET status = $3, gateway_status = $4, updated_at = NOW()
	          WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to), gatewayStatus)
	if err != nil {
		return false, errors.Wrap(err, "update payment status")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted terminalizes a non-terminal payment as completed.
func (r *PaymentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	query := `UPDATE payments
	          SET status = 'completed', paid_at = $2, next_attempt_at = NULL, last_error = NULL, updated_at = NOW()
	          WHERE id = $1 AND status IN ('pending', 'approved')`
	tag, err := r.pool.Exec(ctx, query, id, paidAt)
	if err != nil {
		return false, errors.Wrap(err, "mark payment completed")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) UpdateGatewayStatus(ctx context.Context, id uuid.UUID, gatewayStatus string) error {
	query := `UPDATE payments SET gateway_status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, gatewayStatus)
	return errors.Wrap(err, "update gateway status")
}

// RecordFulfillmentFailure stores the attempt count and the earliest time the
// poller may pick the payment up again. A nil nextAttemptAt means the next tick.
func (r *PaymentRepository) RecordFulfillmentFailure(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt *time.Time, reason string) error {
	query := `UPDATE payments
	          SET provision_attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
	          WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, attempts, nextAttemptAt, reason)
	return errors.Wrap(err, "record fulfillment failure")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
