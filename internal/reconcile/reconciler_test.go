package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/idempotency"
	"payment-reconciler/internal/keylock"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/provision"
	"payment-reconciler/internal/testhelpers"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	reference        = "mp-1001"
	ownerID    int64 = 42
	platformID int64 = 1
)

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (f *fakeProvisioner) ProvisionForPayment(_ context.Context, _ model.Router, macAddress, profile string) (*provision.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, macAddress+"/"+profile)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &provision.Result{Username: macAddress}, nil
}

func (f *fakeProvisioner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store       *testhelpers.MemStore
	provisioner *fakeProvisioner
	reconciler  *Reconciler
	payment     *model.Payment
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := testhelpers.NewMemStore()
	store.AddPlan(model.Plan{ID: 1, Name: "1 hour", Profile: "1h", Price: decimal.NewFromInt(100),
		OwnerShareRate: decimal.RequireFromString("0.7")})
	store.AddRouter(model.Router{ID: 7, OwnerUserID: ownerID, Host: "10.0.0.1", Port: 8728})

	p, err := store.Create(ctx, &model.Payment{
		ID:                   uuid.New(),
		ExternalReference:    reference,
		MacAddress:           "001122334455",
		PlanID:               1,
		RouterID:             7,
		AmountTotal:          decimal.RequireFromString("100.00"),
		AmountPrimaryShare:   decimal.RequireFromString("70.00"),
		AmountSecondaryShare: decimal.RequireFromString("30.00"),
		Status:               model.StatusPending,
		GatewayStatus:        "pending",
	})
	require.NoError(t, err)

	locker := keylock.NewLocal()
	provisioner := &fakeProvisioner{}
	reconciler := NewReconciler(Deps{
		Payments:    store,
		Catalog:     store,
		Guard:       idempotency.NewGuard(store, store, logger),
		Provisioner: provisioner,
		Ledger:      ledger.NewUpdater(store, store, locker, platformID, logger),
		Issues:      store,
		Locker:      locker,
	}, config.Poller{RetryDelayMs: 60_000}, logger)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reconciler.now = func() time.Time { return now }

	return &fixture{store: store, provisioner: provisioner, reconciler: reconciler, payment: p, now: now}
}

func (f *fixture) send(t *testing.T, status string, source event.Source) Outcome {
	t.Helper()
	outcome, _ := f.reconciler.Reconcile(context.Background(), event.StatusEvent{
		ExternalReference: reference,
		GatewayStatus:     status,
		Source:            source,
		ObservedAt:        time.Now(),
	})
	return outcome
}

func (f *fixture) stored(t *testing.T) *model.Payment {
	t.Helper()
	p, err := f.store.GetByID(context.Background(), f.payment.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) assertFulfilledOnce(t *testing.T) {
	t.Helper()
	assert.Equal(t, 1, f.provisioner.Calls())
	assert.Len(t, f.store.Ledger(), 2)
	assert.Equal(t, model.StatusCompleted, f.stored(t).Status)

	owner, _ := f.store.Balance(context.Background(), ownerID)
	platform, _ := f.store.Balance(context.Background(), platformID)
	assert.Equal(t, "70.00", owner.StringFixed(2))
	assert.Equal(t, "30.00", platform.StringFixed(2))
}

func TestReconcile_DuplicateAndOutOfOrderEventsFulfillOnce(t *testing.T) {
	f := newFixture(t)
	sequence := []string{"pending", "approved", "pending", "approved", "completed"}
	sources := []event.Source{event.SourcePoller, event.SourceWebhook}

	var outcomes []Outcome
	for i, status := range sequence {
		outcomes = append(outcomes, f.send(t, status, sources[i%2]))
	}

	assert.Equal(t, []Outcome{OutcomeUnchanged, OutcomeFulfilled, OutcomeTerminal, OutcomeTerminal, OutcomeTerminal}, outcomes)
	f.assertFulfilledOnce(t)
	assert.NotNil(t, f.stored(t).PaidAt)

	// Re-delivery after completion has no effect.
	for _, status := range sequence {
		assert.Equal(t, OutcomeTerminal, f.send(t, status, event.SourceWebhook))
	}
	f.assertFulfilledOnce(t)
}

func TestReconcile_EveryOrderingFulfillsOnce(t *testing.T) {
	sequence := []string{"pending", "approved", "pending", "approved", "completed"}

	for _, order := range permutations(len(sequence)) {
		f := newFixture(t)
		for _, i := range order {
			f.send(t, sequence[i], event.SourcePoller)
		}
		f.assertFulfilledOnce(t)
	}
}

func permutations(n int) [][]int {
	var out [][]int
	var build func(prefix []int, used []bool)
	build = func(prefix []int, used []bool) {
		if len(prefix) == n {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			build(append(prefix, i), used)
			used[i] = false
		}
	}
	build(nil, make([]bool, n))
	return out
}

func TestReconcile_ConcurrentDeliveriesFulfillOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := []string{"approved", "completed", "pending", "accredited"}[i%4]
			_, _ = f.reconciler.Reconcile(context.Background(), event.StatusEvent{
				ExternalReference: reference, GatewayStatus: status, Source: event.SourceWebhook,
			})
		}(i)
	}
	wg.Wait()

	f.assertFulfilledOnce(t)
}

func TestReconcile_UnknownStatusIsIgnored(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, OutcomeUnknownStatus, f.send(t, "settlement_in_progress", event.SourceWebhook))
	assert.Equal(t, model.StatusPending, f.stored(t).Status)
	assert.Zero(t, f.provisioner.Calls())
}

func TestReconcile_UnknownPayment(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.reconciler.Reconcile(context.Background(), event.StatusEvent{
		ExternalReference: "nope", GatewayStatus: "approved", Source: event.SourceWebhook,
	})
	assert.Equal(t, OutcomeUnknownPayment, outcome)
	assert.ErrorIs(t, err, ErrUnknownPayment)
}

func TestReconcile_RejectedIsTerminal(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, OutcomeTransitioned, f.send(t, "rejected", event.SourcePoller))
	assert.Equal(t, OutcomeTerminal, f.send(t, "approved", event.SourceWebhook))

	stored := f.stored(t)
	assert.Equal(t, model.StatusRejected, stored.Status)
	assert.Equal(t, "rejected", stored.GatewayStatus)
	assert.Zero(t, f.provisioner.Calls())
	assert.Empty(t, f.store.Ledger())
}

func TestReconcile_CancelledFromApproved(t *testing.T) {
	f := newFixture(t)
	f.provisioner.errs = []error{&provision.Error{Kind: provision.ErrUnavailable, Op: "find"}}

	assert.Equal(t, OutcomeFulfillmentFailed, f.send(t, "approved", event.SourceWebhook))
	assert.Equal(t, OutcomeTransitioned, f.send(t, "cancelled", event.SourcePoller))
	assert.Equal(t, model.StatusCancelled, f.stored(t).Status)
}

func TestReconcile_DeviceUnavailableStaysApproved(t *testing.T) {
	f := newFixture(t)
	f.provisioner.errs = []error{&provision.Error{Kind: provision.ErrUnavailable, Op: "find", Err: errors.New("i/o timeout")}}

	assert.Equal(t, OutcomeFulfillmentFailed, f.send(t, "approved", event.SourceWebhook))

	stored := f.stored(t)
	assert.Equal(t, model.StatusApproved, stored.Status)
	assert.Equal(t, 1, stored.ProvisionAttempts)
	assert.Nil(t, stored.NextAttemptAt)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "i/o timeout")
	assert.Empty(t, f.store.Ledger())

	open, _ := f.store.ListOpen(context.Background(), f.now, nil, 10)
	require.Len(t, open, 1)

	// Next poll retries and succeeds.
	assert.Equal(t, OutcomeFulfilled, f.send(t, "approved", event.SourcePoller))
	assert.Equal(t, 2, f.provisioner.Calls())
	assert.Len(t, f.store.Ledger(), 2)
	assert.Equal(t, model.StatusCompleted, f.stored(t).Status)
}

func TestReconcile_DeviceRejectedBacksOff(t *testing.T) {
	f := newFixture(t)
	f.provisioner.errs = []error{&provision.Error{Kind: provision.ErrRejected, Op: "create"}}

	assert.Equal(t, OutcomeFulfillmentFailed, f.send(t, "approved", event.SourceWebhook))

	stored := f.stored(t)
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, f.now.Add(time.Minute), *stored.NextAttemptAt)

	open, _ := f.store.ListOpen(context.Background(), f.now, nil, 10)
	assert.Empty(t, open)
	open, _ = f.store.ListOpen(context.Background(), f.now.Add(2*time.Minute), nil, 10)
	assert.Len(t, open, 1)
}

func TestReconcile_InvalidMacIsHeld(t *testing.T) {
	f := newFixture(t)
	f.provisioner.errs = []error{&provision.Error{Kind: provision.ErrInvalidInput, Op: "normalize"}}

	assert.Equal(t, OutcomeManual, f.send(t, "approved", event.SourceWebhook))

	issues, _ := f.store.OpenIssues(context.Background())
	require.Len(t, issues, 1)
	assert.Equal(t, f.payment.ID, issues[0].PaymentID)

	open, _ := f.store.ListOpen(context.Background(), f.now.Add(time.Hour), nil, 10)
	assert.Empty(t, open)
	assert.Equal(t, model.StatusApproved, f.stored(t).Status)
}

func TestReconcile_ReprocessingHeldPaymentKeepsOneIssue(t *testing.T) {
	f := newFixture(t)
	invalid := &provision.Error{Kind: provision.ErrInvalidInput, Op: "normalize"}
	f.provisioner.errs = []error{invalid, invalid}

	assert.Equal(t, OutcomeManual, f.send(t, "approved", event.SourceWebhook))
	assert.Equal(t, OutcomeManual, f.send(t, "approved", event.SourceAdmin))

	issues, _ := f.store.OpenIssues(context.Background())
	require.Len(t, issues, 1)
	assert.Equal(t, f.payment.ID, issues[0].PaymentID)
}

func TestReconcile_SuccessfulReprocessResolvesIssue(t *testing.T) {
	f := newFixture(t)
	f.provisioner.errs = []error{&provision.Error{Kind: provision.ErrInvalidInput, Op: "normalize"}}

	assert.Equal(t, OutcomeManual, f.send(t, "approved", event.SourceWebhook))
	issues, _ := f.store.OpenIssues(context.Background())
	require.Len(t, issues, 1)

	assert.Equal(t, OutcomeFulfilled, f.send(t, "approved", event.SourceAdmin))
	assert.Equal(t, model.StatusCompleted, f.stored(t).Status)

	issues, _ = f.store.OpenIssues(context.Background())
	assert.Empty(t, issues)
}

func TestReconcile_LedgerWrittenBeforeCrashIsHealed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CompareAndSetStatus(ctx, f.payment.ID, model.StatusPending, model.StatusApproved, "approved")
	require.NoError(t, err)
	require.NoError(t, f.store.InsertTransactions(ctx, []model.LedgerTransaction{{
		ID: uuid.New(), UserID: ownerID, Kind: model.KindCredit, Amount: decimal.NewFromInt(70),
		ReferenceID: f.payment.ID, ReferenceType: model.ReferenceTypePayment,
	}}))

	assert.Equal(t, OutcomeAlreadyProcessed, f.send(t, "approved", event.SourcePoller))
	assert.Zero(t, f.provisioner.Calls())
	assert.Equal(t, model.StatusCompleted, f.stored(t).Status)
	assert.Len(t, f.store.Ledger(), 1)
}

func TestReconcile_PartialLedgerEffectIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.store.CreditHook = func(userID int64) error {
		if userID == platformID {
			return errors.New("connection reset")
		}
		return nil
	}

	outcome, err := f.reconciler.Reconcile(context.Background(), event.StatusEvent{
		ExternalReference: reference, GatewayStatus: "approved", Source: event.SourceWebhook,
	})
	assert.Equal(t, OutcomeManual, outcome)
	assert.ErrorIs(t, err, ledger.ErrManualReconciliation)
	assert.Equal(t, model.StatusCompleted, f.stored(t).Status)

	issues, _ := f.store.OpenIssues(context.Background())
	assert.Len(t, issues, 1)

	f.store.CreditHook = nil
	assert.Equal(t, OutcomeTerminal, f.send(t, "approved", event.SourceAdmin))
	platform, _ := f.store.Balance(context.Background(), platformID)
	assert.True(t, platform.IsZero())
}
