// Package reconcile turns gateway status observations into persisted payment
// transitions and runs the paid-side effects exactly once per payment.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/keylock"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/provision"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var ErrUnknownPayment = errors.New("no payment with this reference")

type Outcome string

const (
	OutcomeUnknownStatus     Outcome = "unknown_status"
	OutcomeUnknownPayment    Outcome = "unknown_payment"
	OutcomeTerminal          Outcome = "terminal"
	OutcomeStale             Outcome = "stale"
	OutcomeUnchanged         Outcome = "unchanged"
	OutcomeConflict          Outcome = "conflict"
	OutcomeTransitioned      Outcome = "transitioned"
	OutcomeFulfilled         Outcome = "fulfilled"
	OutcomeAlreadyProcessed  Outcome = "already_processed"
	OutcomeFulfillmentFailed Outcome = "fulfillment_failed"
	OutcomeManual            Outcome = "manual_reconciliation"
	OutcomeError             Outcome = "error"
)

var reconcileDurationHistogram = metrics.GetOrCreateHistogram(`reconcile_duration_milliseconds`)

func countOutcome(o Outcome) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`reconcile_events_total{outcome=%q}`, o)).Inc()
}

type PaymentStore interface {
	GetByExternalReference(ctx context.Context, ref string) (*model.Payment, error)
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to model.Status, gatewayStatus string) (bool, error)
	UpdateGatewayStatus(ctx context.Context, id uuid.UUID, gatewayStatus string) error
	RecordFulfillmentFailure(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt *time.Time, reason string) error
}

type Catalog interface {
	GetPlan(ctx context.Context, id int64) (*model.Plan, error)
	GetRouter(ctx context.Context, id int64) (*model.Router, error)
}

type Guard interface {
	AlreadyProcessed(ctx context.Context, payment *model.Payment) (bool, error)
	MarkProcessed(ctx context.Context, payment *model.Payment) error
}

type Provisioner interface {
	ProvisionForPayment(ctx context.Context, router model.Router, macAddress, profile string) (*provision.Result, error)
}

type Ledger interface {
	ApplyPaymentCommission(ctx context.Context, payment *model.Payment) (*ledger.Result, error)
}

type IssueRecorder interface {
	FlagIssue(ctx context.Context, paymentID uuid.UUID, reason string) error
	ResolvePaymentIssues(ctx context.Context, paymentID uuid.UUID) (int64, error)
}

type Deps struct {
	Payments    PaymentStore
	Catalog     Catalog
	Guard       Guard
	Provisioner Provisioner
	Ledger      Ledger
	Issues      IssueRecorder
	Locker      keylock.Locker
}

type Reconciler struct {
	Deps
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewReconciler(deps Deps, cfg config.Poller, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Deps:       deps,
		retryDelay: time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		now:        time.Now,
		logger:     logger,
	}
}

// Reconcile applies one status observation. Duplicate and stale observations
// are not errors; they come back as no-op outcomes.
func (r *Reconciler) Reconcile(ctx context.Context, e event.StatusEvent) (Outcome, error) {
	startTime := time.Now()
	ctx = logging.AppendCtx(ctx, slog.String("externalReference", e.ExternalReference))
	ctx = logging.AppendCtx(ctx, slog.String("source", string(e.Source)))

	outcome, err := r.reconcile(ctx, e)

	countOutcome(outcome)
	reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, e event.StatusEvent) (Outcome, error) {
	next, ok := MapGatewayStatus(e.GatewayStatus)
	if !ok {
		r.logger.WarnContext(ctx, "Unrecognized gateway status, ignoring", "gatewayStatus", e.GatewayStatus)
		return OutcomeUnknownStatus, nil
	}

	unlock, err := r.Locker.Lock(ctx, "payment:"+e.ExternalReference)
	if err != nil {
		return OutcomeError, fmt.Errorf("lock payment: %w", err)
	}
	defer unlock()

	payment, err := r.Payments.GetByExternalReference(ctx, e.ExternalReference)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.WarnContext(ctx, "Status event for unknown payment, dropping")
		return OutcomeUnknownPayment, ErrUnknownPayment
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("load payment: %w", err)
	}
	ctx = logging.AppendCtx(ctx, slog.String("paymentId", payment.ID.String()))

	if payment.Status.Terminal() {
		r.logger.DebugContext(ctx, "Payment already terminal, ignoring", "status", payment.Status, "observed", next)
		return OutcomeTerminal, nil
	}
	if !accepts(payment.Status, next) {
		r.logger.InfoContext(ctx, "Stale status discarded", "status", payment.Status, "observed", next)
		return OutcomeStale, nil
	}

	switch next {
	case model.StatusPending:
		if payment.GatewayStatus != e.GatewayStatus {
			if err := r.Payments.UpdateGatewayStatus(ctx, payment.ID, e.GatewayStatus); err != nil {
				return OutcomeError, fmt.Errorf("update gateway status: %w", err)
			}
		}
		return OutcomeUnchanged, nil

	case model.StatusRejected, model.StatusCancelled:
		moved, err := r.Payments.CompareAndSetStatus(ctx, payment.ID, payment.Status, next, e.GatewayStatus)
		if err != nil {
			return OutcomeError, fmt.Errorf("update payment status: %w", err)
		}
		if !moved {
			r.logger.WarnContext(ctx, "Payment status changed concurrently", "expected", payment.Status)
			return OutcomeConflict, nil
		}
		r.logger.InfoContext(ctx, "Payment terminalized", "from", payment.Status, "to", next)
		return OutcomeTransitioned, nil
	}

	// approved and completed both lead to fulfillment.
	if payment.Status == model.StatusPending {
		moved, err := r.Payments.CompareAndSetStatus(ctx, payment.ID, model.StatusPending, model.StatusApproved, e.GatewayStatus)
		if err != nil {
			return OutcomeError, fmt.Errorf("update payment status: %w", err)
		}
		if !moved {
			r.logger.WarnContext(ctx, "Payment status changed concurrently", "expected", payment.Status)
			return OutcomeConflict, nil
		}
		payment.Status = model.StatusApproved
		payment.GatewayStatus = e.GatewayStatus
		r.logger.InfoContext(ctx, "Payment approved")
	}

	return r.fulfill(ctx, payment)
}

// fulfill grants network access and then moves the money. The guard is
// consulted immediately before either side effect.
func (r *Reconciler) fulfill(ctx context.Context, payment *model.Payment) (Outcome, error) {
	done, err := r.Guard.AlreadyProcessed(ctx, payment)
	if err != nil {
		return OutcomeError, fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		if err := r.Guard.MarkProcessed(ctx, payment); err != nil {
			return OutcomeError, err
		}
		r.logger.InfoContext(ctx, "Payment already processed, skipping side effects")
		return OutcomeAlreadyProcessed, nil
	}

	plan, err := r.Catalog.GetPlan(ctx, payment.PlanID)
	if err != nil {
		return r.catalogFailure(ctx, payment, fmt.Errorf("load plan %d: %w", payment.PlanID, err))
	}
	router, err := r.Catalog.GetRouter(ctx, payment.RouterID)
	if err != nil {
		return r.catalogFailure(ctx, payment, fmt.Errorf("load router %d: %w", payment.RouterID, err))
	}

	result, err := r.Provisioner.ProvisionForPayment(ctx, *router, payment.MacAddress, plan.Profile)
	if err != nil {
		if !provision.Retryable(err) {
			return r.hold(ctx, payment, err)
		}
		return r.fail(ctx, payment, err, errors.Is(err, provision.ErrRejected))
	}
	r.logger.InfoContext(ctx, "Access provisioned", "username", result.Username,
		"replaced", len(result.Deleted), "profile", plan.Profile)

	_, err = r.Ledger.ApplyPaymentCommission(ctx, payment)
	switch {
	case err == nil, errors.Is(err, ledger.ErrAlreadyApplied):
	case errors.Is(err, ledger.ErrManualReconciliation):
		// Rows exist, so the payment must not be credited again.
		if markErr := r.Guard.MarkProcessed(ctx, payment); markErr != nil {
			return OutcomeError, markErr
		}
		return OutcomeManual, err
	case errors.Is(err, ledger.ErrInvalidShares):
		return r.hold(ctx, payment, err)
	default:
		return r.fail(ctx, payment, fmt.Errorf("apply commission: %w", err), false)
	}

	if err := r.Guard.MarkProcessed(ctx, payment); err != nil {
		return OutcomeError, err
	}
	if resolved, err := r.Issues.ResolvePaymentIssues(ctx, payment.ID); err != nil {
		r.logger.ErrorContext(ctx, "Error resolving reconciliation issues", "error", err)
	} else if resolved > 0 {
		r.logger.InfoContext(ctx, "Reconciliation issue resolved by successful fulfillment")
	}
	r.logger.InfoContext(ctx, "Payment completed")
	return OutcomeFulfilled, nil
}

func (r *Reconciler) catalogFailure(ctx context.Context, payment *model.Payment, err error) (Outcome, error) {
	if errors.Is(err, db.ErrNotFound) {
		return r.hold(ctx, payment, err)
	}
	return r.fail(ctx, payment, err, false)
}

// fail leaves the payment approved for the next poll. With backoff set the
// poller skips it until attempts * retryDelay has passed.
func (r *Reconciler) fail(ctx context.Context, payment *model.Payment, cause error, backoff bool) (Outcome, error) {
	attempts := payment.ProvisionAttempts + 1

	var nextAttemptAt *time.Time
	if backoff {
		at := r.now().Add(time.Duration(attempts) * r.retryDelay)
		nextAttemptAt = &at
	}

	r.logger.WarnContext(ctx, "Fulfillment failed, will retry", "attempts", attempts,
		"nextAttemptAt", nextAttemptAt, "error", cause)
	if err := r.Payments.RecordFulfillmentFailure(ctx, payment.ID, attempts, nextAttemptAt, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "Error recording fulfillment failure", "error", err)
	}
	return OutcomeFulfillmentFailed, cause
}

// hold parks a payment whose data cannot succeed on retry. An open issue keeps
// the poller away from it until someone resolves it and reprocesses.
func (r *Reconciler) hold(ctx context.Context, payment *model.Payment, cause error) (Outcome, error) {
	r.logger.ErrorContext(ctx, "Fulfillment cannot succeed without manual action", "error", cause)
	if err := r.Issues.FlagIssue(ctx, payment.ID, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "Error recording reconciliation issue", "error", err)
	}
	if err := r.Payments.RecordFulfillmentFailure(ctx, payment.ID, payment.ProvisionAttempts+1, nil, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "Error recording fulfillment failure", "error", err)
	}
	return OutcomeManual, cause
}
