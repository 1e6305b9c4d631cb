package db

import (
	"payment-reconciler/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

const paymentColumns = `id, external_reference, mac_address, plan_id, router_id, amount_total, amount_primary_share,
	amount_secondary_share, status, gateway_status, provision_attempts, next_attempt_at, last_error, created_at,
	updated_at, paid_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var status string
	err := row.Scan(&p.ID, &p.ExternalReference, &p.MacAddress, &p.PlanID, &p.RouterID, &p.AmountTotal,
		&p.AmountPrimaryShare, &p.AmountSecondaryShare, &status, &p.GatewayStatus, &p.ProvisionAttempts,
		&p.NextAttemptAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = model.Status(status)
	return &p, nil
}

const ledgerColumns = `id, user_id, kind, amount, balance_before, balance_after, reference_id, reference_type, memo,
	created_at`

func scanLedgerTransaction(row pgx.Row) (*model.LedgerTransaction, error) {
	var t model.LedgerTransaction
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.ReferenceID,
		&t.ReferenceType, &t.Memo, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
