package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/keylock"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/model"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidShares = errors.New("payment shares do not add up to the total")
	// ErrAlreadyApplied means ledger rows for the payment already exist.
	ErrAlreadyApplied = errors.New("commission already applied")
	// ErrManualReconciliation marks a partial effect that must not be retried.
	ErrManualReconciliation = errors.New("ledger requires manual reconciliation")
)

var (
	ledgerAppliedCounter        = metrics.GetOrCreateCounter(`ledger_apply_total{result="applied"}`)
	ledgerDuplicateCounter      = metrics.GetOrCreateCounter(`ledger_apply_total{result="already_applied"}`)
	ledgerInsertFailedCounter   = metrics.GetOrCreateCounter(`ledger_apply_total{result="insert_failed"}`)
	ledgerPartialEffectCounter  = metrics.GetOrCreateCounter(`ledger_apply_total{result="partial_effect"}`)
	ledgerInvalidSharesCounter  = metrics.GetOrCreateCounter(`ledger_apply_total{result="invalid_shares"}`)
	ledgerBalanceDriftedCounter = metrics.GetOrCreateCounter(`ledger_balance_drift_total`)
)

type Store interface {
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	InsertTransactions(ctx context.Context, txs []model.LedgerTransaction) error
	CreditBalance(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
	FlagIssue(ctx context.Context, paymentID uuid.UUID, reason string) error
}

type RouterSource interface {
	GetRouter(ctx context.Context, id int64) (*model.Router, error)
}

// UncreditedShare is a ledger row whose balance credit did not go through.
type UncreditedShare struct {
	UserID int64
	Amount decimal.Decimal
	Err    error
}

// PartialError reports ledger rows that were written while one or more
// balance credits failed. The payment must be fixed by hand; crediting again
// would double-pay.
type PartialError struct {
	PaymentID  uuid.UUID
	Uncredited []UncreditedShare
}

func (e *PartialError) Error() string {
	parts := make([]string, 0, len(e.Uncredited))
	for _, u := range e.Uncredited {
		parts = append(parts, fmt.Sprintf("user %d amount %s (%v)", u.UserID, u.Amount.StringFixed(2), u.Err))
	}
	return fmt.Sprintf("payment %s: ledger rows written but balances not credited: %s",
		e.PaymentID, strings.Join(parts, "; "))
}

func (e *PartialError) Unwrap() []error {
	errs := []error{ErrManualReconciliation}
	for _, u := range e.Uncredited {
		errs = append(errs, u.Err)
	}
	return errs
}

type Result struct {
	Transactions []model.LedgerTransaction
	Merged       bool
}

type credit struct {
	userID int64
	amount decimal.Decimal
	memo   string
}

type Updater struct {
	store          Store
	routers        RouterSource
	locker         keylock.Locker
	platformUserID int64
	now            func() time.Time
	logger         *slog.Logger
}

func NewUpdater(store Store, routers RouterSource, locker keylock.Locker, platformUserID int64, logger *slog.Logger) *Updater {
	return &Updater{
		store:          store,
		routers:        routers,
		locker:         locker,
		platformUserID: platformUserID,
		now:            time.Now,
		logger:         logger,
	}
}

// ApplyPaymentCommission credits the device owner with the primary share and
// the platform with the secondary share of a completed payment.
func (u *Updater) ApplyPaymentCommission(ctx context.Context, payment *model.Payment) (*Result, error) {
	ctx = logging.AppendCtx(ctx, slog.String("paymentId", payment.ID.String()))

	if !payment.SharesBalanced() {
		ledgerInvalidSharesCounter.Inc()
		return nil, fmt.Errorf("%w: %s + %s != %s", ErrInvalidShares, payment.AmountPrimaryShare,
			payment.AmountSecondaryShare, payment.AmountTotal)
	}

	router, err := u.routers.GetRouter(ctx, payment.RouterID)
	if err != nil {
		return nil, fmt.Errorf("resolve device owner: %w", err)
	}

	credits, merged := u.credits(payment, router.OwnerUserID)
	if len(credits) == 0 {
		return &Result{Merged: merged}, nil
	}

	keys := make([]string, 0, len(credits))
	for _, c := range credits {
		keys = append(keys, "account:"+strconv.FormatInt(c.userID, 10))
	}
	unlock, err := keylock.LockAll(ctx, u.locker, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer unlock()

	now := u.now().UTC()
	txs := make([]model.LedgerTransaction, 0, len(credits))
	for _, c := range credits {
		before, err := u.store.Balance(ctx, c.userID)
		if err != nil {
			return nil, fmt.Errorf("read balance of user %d: %w", c.userID, err)
		}
		txs = append(txs, model.LedgerTransaction{
			ID:            uuid.New(),
			UserID:        c.userID,
			Kind:          model.KindCredit,
			Amount:        c.amount,
			BalanceBefore: before,
			BalanceAfter:  before.Add(c.amount),
			ReferenceID:   payment.ID,
			ReferenceType: model.ReferenceTypePayment,
			Memo:          c.memo,
			CreatedAt:     now,
		})
	}

	if err := u.store.InsertTransactions(ctx, txs); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			ledgerDuplicateCounter.Inc()
			return nil, ErrAlreadyApplied
		}
		ledgerInsertFailedCounter.Inc()
		return nil, fmt.Errorf("insert ledger transactions: %w", err)
	}

	var uncredited []UncreditedShare
	for _, t := range txs {
		balance, err := u.store.CreditBalance(ctx, t.UserID, t.Amount)
		if err != nil {
			u.logger.ErrorContext(ctx, "Ledger row inserted but balance update failed",
				"userId", t.UserID, "amount", t.Amount.StringFixed(2), "error", err)
			uncredited = append(uncredited, UncreditedShare{UserID: t.UserID, Amount: t.Amount, Err: err})
			continue
		}
		if !balance.Equal(t.BalanceAfter) {
			ledgerBalanceDriftedCounter.Inc()
			u.logger.WarnContext(ctx, "Account balance moved outside this process while crediting",
				"userId", t.UserID, "expected", t.BalanceAfter.StringFixed(2), "actual", balance.StringFixed(2))
		}
	}

	if len(uncredited) > 0 {
		ledgerPartialEffectCounter.Inc()
		partial := &PartialError{PaymentID: payment.ID, Uncredited: uncredited}
		u.logger.ErrorContext(ctx, "Manual reconciliation required", "uncredited", len(uncredited))
		if flagErr := u.store.FlagIssue(ctx, payment.ID, partial.Error()); flagErr != nil {
			u.logger.ErrorContext(ctx, "Error recording reconciliation issue", "error", flagErr)
		}
		return nil, partial
	}

	ledgerAppliedCounter.Inc()
	u.logger.InfoContext(ctx, "Commission applied", "transactions", len(txs), "merged", merged,
		"total", payment.AmountTotal.StringFixed(2))
	return &Result{Transactions: txs, Merged: merged}, nil
}

func (u *Updater) credits(payment *model.Payment, ownerUserID int64) ([]credit, bool) {
	ref := payment.ExternalReference
	if ownerUserID == u.platformUserID {
		memo := fmt.Sprintf("payment %s: owner share %s + platform share %s", ref,
			payment.AmountPrimaryShare.StringFixed(2), payment.AmountSecondaryShare.StringFixed(2))
		return nonZero([]credit{{userID: u.platformUserID, amount: payment.AmountTotal, memo: memo}}), true
	}

	return nonZero([]credit{
		{
			userID: ownerUserID,
			amount: payment.AmountPrimaryShare,
			memo:   fmt.Sprintf("payment %s: owner share", ref),
		},
		{
			userID: u.platformUserID,
			amount: payment.AmountSecondaryShare,
			memo:   fmt.Sprintf("payment %s: platform share", ref),
		},
	}), false
}

func nonZero(credits []credit) []credit {
	out := credits[:0]
	for _, c := range credits {
		if c.amount.IsPositive() {
			out = append(out, c)
		}
	}
	return out
}
