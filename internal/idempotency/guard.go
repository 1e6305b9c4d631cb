// Package idempotency decides whether a payment has already produced its side
// effects. Two sources are consulted: the persisted payment status, and the
// ledger rows referencing the payment. The second covers a crash between the
// ledger insert and the status write.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"payment-reconciler/internal/model"

	"github.com/google/uuid"
)

type PaymentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error)
}

type LedgerIndex interface {
	Exists(ctx context.Context, referenceID uuid.UUID, referenceType string) (bool, error)
}

type Guard struct {
	payments PaymentStore
	ledger   LedgerIndex
	now      func() time.Time
	logger   *slog.Logger
}

func NewGuard(payments PaymentStore, ledger LedgerIndex, logger *slog.Logger) *Guard {
	return &Guard{
		payments: payments,
		ledger:   ledger,
		now:      time.Now,
		logger:   logger,
	}
}

// AlreadyProcessed re-reads the payment instead of trusting the caller's copy.
func (g *Guard) AlreadyProcessed(ctx context.Context, payment *model.Payment) (bool, error) {
	current, err := g.payments.GetByID(ctx, payment.ID)
	if err != nil {
		return false, fmt.Errorf("read payment status: %w", err)
	}
	if current.Status == model.StatusCompleted {
		return true, nil
	}

	exists, err := g.ledger.Exists(ctx, payment.ID, model.ReferenceTypePayment)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	if exists {
		g.logger.WarnContext(ctx, "Ledger rows exist for a payment that is not completed",
			"paymentId", payment.ID, "status", current.Status)
	}
	return exists, nil
}

// MarkProcessed moves the payment to completed. It is a no-op for a payment
// that is already completed.
func (g *Guard) MarkProcessed(ctx context.Context, payment *model.Payment) error {
	updated, err := g.payments.MarkCompleted(ctx, payment.ID, g.now().UTC())
	if err != nil {
		return fmt.Errorf("mark payment completed: %w", err)
	}
	if updated {
		return nil
	}

	current, err := g.payments.GetByID(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("read payment status: %w", err)
	}
	if current.Status != model.StatusCompleted {
		return fmt.Errorf("payment %s is %s and cannot be completed", payment.ID, current.Status)
	}
	return nil
}
