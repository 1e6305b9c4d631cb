package db

import (
	"context"

	"payment-reconciler/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Balance returns the stored balance of a user; an account that has never
// been credited has a zero balance.
func (r *LedgerRepository) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "select account balance")
	}
	return balance, nil
}

// InsertTransactions writes all rows in one transaction. A row that already
// exists for the same reference and user aborts the whole batch with
// ErrAlreadyExists.
func (r *LedgerRepository) InsertTransactions(ctx context.Context, txs []model.LedgerTransaction) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin ledger transaction")
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO ledger_transactions (id, user_id, kind, amount, balance_before, balance_after,
	          reference_id, reference_type, memo, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(query, t.ID, t.UserID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter, t.ReferenceID,
			t.ReferenceType, t.Memo, t.CreatedAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return errors.Wrap(err, "insert ledger transactions")
	}

	return errors.Wrap(tx.Commit(ctx), "commit ledger transactions")
}

// CreditBalance adds amount to the user's balance in a single statement and
// returns the new balance.
func (r *LedgerRepository) CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `INSERT INTO accounts (user_id, balance, updated_at) VALUES ($1, $2, NOW())
	          ON CONFLICT (user_id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	          RETURNING balance`
	var balance decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, userID, amount).Scan(&balance); err != nil {
		return decimal.Zero, errors.Wrap(err, "credit account balance")
	}
	return balance, nil
}

func (r *LedgerRepository) Exists(ctx context.Context, referenceID uuid.UUID, referenceType string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE reference_id = $1 AND reference_type = $2)`
	if err := r.pool.QueryRow(ctx, query, referenceID, referenceType).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check ledger transactions")
	}
	return exists, nil
}

func (r *LedgerRepository) ListByReference(ctx context.Context, referenceID uuid.UUID, referenceType string) ([]model.LedgerTransaction, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_transactions
	          WHERE reference_id = $1 AND reference_type = $2 ORDER BY user_id`
	rows, err := r.pool.Query(ctx, query, referenceID, referenceType)
	if err != nil {
		return nil, errors.Wrap(err, "select ledger transactions")
	}
	defer rows.Close()

	var txs []model.LedgerTransaction
	for rows.Next() {
		t, err := scanLedgerTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ledger transaction")
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// FlagIssue opens an issue for the payment. A payment has at most one open
// issue; flagging it again replaces the reason with the latest one.
func (r *LedgerRepository) FlagIssue(ctx context.Context, paymentID uuid.UUID, reason string) error {
	query := `INSERT INTO reconciliation_issues (payment_id, reason) VALUES ($1, $2)
	          ON CONFLICT (payment_id) WHERE resolved_at IS NULL DO UPDATE SET reason = EXCLUDED.reason`
	_, err := r.pool.Exec(ctx, query, paymentID, reason)
	return errors.Wrap(err, "insert reconciliation issue")
}

// ResolvePaymentIssues closes whatever issue is open for the payment.
func (r *LedgerRepository) ResolvePaymentIssues(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	query := `UPDATE reconciliation_issues SET resolved_at = NOW() WHERE payment_id = $1 AND resolved_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, paymentID)
	if err != nil {
		return 0, errors.Wrap(err, "resolve payment issues")
	}
	return tag.RowsAffected(), nil
}

// ResolveIssue closes an open issue. It reports false if no open issue has id.
func (r *LedgerRepository) ResolveIssue(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE reconciliation_issues SET resolved_at = NOW() WHERE id = $1 AND resolved_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, errors.Wrap(err, "resolve reconciliation issue")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepository) OpenIssues(ctx context.Context) ([]model.ReconciliationIssue, error) {
	query := `SELECT id, payment_id, reason, created_at, resolved_at FROM reconciliation_issues
	          WHERE resolved_at IS NULL ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "select reconciliation issues")
	}
	defer rows.Close()

	var issues []model.ReconciliationIssue
	for rows.Next() {
		var i model.ReconciliationIssue
		if err := rows.Scan(&i.ID, &i.PaymentID, &i.Reason, &i.CreatedAt, &i.ResolvedAt); err != nil {
			return nil, errors.Wrap(err, "scan reconciliation issue")
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}
