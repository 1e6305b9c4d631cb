package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/testhelpers"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []StatusEvent
	err    error
}

func (s *recordingSink) Enqueue(_ context.Context, e StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Events() []StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusEvent(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedPayment(t *testing.T, store *testhelpers.MemStore, ref string, status model.Status, createdAt time.Time) {
	t.Helper()
	_, err := store.Create(context.Background(), &model.Payment{
		ID:                 uuid.New(),
		ExternalReference:  ref,
		MacAddress:         "001122334455",
		AmountTotal:        decimal.NewFromInt(10),
		AmountPrimaryShare: decimal.NewFromInt(10),
		Status:             status,
		CreatedAt:          createdAt,
	})
	require.NoError(t, err)
}

func newGateway() *gateway.Client {
	return gateway.NewClient(config.Gateway{BaseURL: "http://gateway.test", TimeoutMs: 500}, discardLogger())
}

func TestScheduler_CheckNowPollsOpenPaymentsOldestFirst(t *testing.T) {
	defer gock.Off()

	store := testhelpers.NewMemStore()
	base := time.Now().Add(-time.Hour)
	seedPayment(t, store, "newer", model.StatusPending, base.Add(2*time.Minute))
	seedPayment(t, store, "older", model.StatusApproved, base)
	seedPayment(t, store, "broken", model.StatusPending, base.Add(time.Minute))
	seedPayment(t, store, "done", model.StatusCompleted, base)

	gock.New("http://gateway.test").Get("/v1/payments/older").Reply(200).
		JSON(map[string]any{"id": "older", "status": "approved"})
	gock.New("http://gateway.test").Get("/v1/payments/broken").Reply(500)
	gock.New("http://gateway.test").Get("/v1/payments/newer").Reply(200).
		JSON(map[string]any{"id": "newer", "status": "in_process"})

	sink := &recordingSink{}
	scheduler := NewScheduler(store, newGateway(), sink, config.Poller{IntervalMs: 1000, FetchSize: 10}, discardLogger())

	result := scheduler.CheckNow(context.Background())

	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Enqueued)
	assert.Equal(t, 1, result.Skipped)
	assert.NotEmpty(t, result.RunID)

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "older", events[0].ExternalReference)
	assert.Equal(t, "approved", events[0].GatewayStatus)
	assert.Equal(t, SourcePoller, events[0].Source)
	assert.Equal(t, "newer", events[1].ExternalReference)
	assert.Equal(t, "in_process", events[1].GatewayStatus)
	assert.True(t, gock.IsDone())
}

func TestScheduler_CheckNowVisitsEveryOpenPaymentBeyondFetchSize(t *testing.T) {
	defer gock.Off()
	gock.New("http://gateway.test").Get("/v1/payments/.*").Persist().Reply(200).
		JSON(map[string]any{"status": "pending"})

	store := testhelpers.NewMemStore()
	base := time.Now().Add(-time.Hour)
	refs := []string{"abandoned-1", "abandoned-2", "abandoned-3", "abandoned-4", "fresh"}
	for i, ref := range refs {
		seedPayment(t, store, ref, model.StatusPending, base.Add(time.Duration(i)*time.Minute))
	}
	// same creation time as fresh, ordered by id
	seedPayment(t, store, "fresh-twin", model.StatusPending, base.Add(4*time.Minute))

	sink := &recordingSink{}
	scheduler := NewScheduler(store, newGateway(), sink, config.Poller{IntervalMs: 1000, FetchSize: 2}, discardLogger())

	const sweeps = 3
	for i := 0; i < sweeps; i++ {
		result := scheduler.CheckNow(context.Background())
		assert.Equal(t, 6, result.Fetched)
		assert.Equal(t, 6, result.Enqueued)
	}

	polled := map[string]int{}
	for _, e := range sink.Events() {
		polled[e.ExternalReference]++
	}
	for _, ref := range append(refs, "fresh-twin") {
		assert.Equal(t, sweeps, polled[ref], ref)
	}

	events := sink.Events()
	assert.Equal(t, "abandoned-1", events[0].ExternalReference)
	assert.Equal(t, "abandoned-4", events[3].ExternalReference)
}

func TestScheduler_EnqueueFailureSkipsPayment(t *testing.T) {
	defer gock.Off()

	store := testhelpers.NewMemStore()
	seedPayment(t, store, "p1", model.StatusPending, time.Now().Add(-time.Minute))
	gock.New("http://gateway.test").Get("/v1/payments/p1").Reply(200).
		JSON(map[string]any{"id": "p1", "status": "approved"})

	sink := &recordingSink{err: errors.New("queue full")}
	scheduler := NewScheduler(store, newGateway(), sink, config.Poller{IntervalMs: 1000, FetchSize: 10}, discardLogger())

	result := scheduler.CheckNow(context.Background())
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Enqueued)
}

func TestScheduler_Lifecycle(t *testing.T) {
	defer gock.Off()
	gock.New("http://gateway.test").Get("/v1/payments/p1").Persist().Reply(200).
		JSON(map[string]any{"id": "p1", "status": "pending"})

	store := testhelpers.NewMemStore()
	seedPayment(t, store, "p1", model.StatusPending, time.Now().Add(-time.Minute))

	sink := &recordingSink{}
	scheduler := NewScheduler(store, newGateway(), sink, config.Poller{IntervalMs: 20, FetchSize: 10}, discardLogger())

	assert.False(t, scheduler.IsRunning())
	assert.False(t, scheduler.Stop())

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, scheduler.Start(ctx))
	assert.False(t, scheduler.Start(ctx))
	assert.True(t, scheduler.IsRunning())

	// Cancelling the starting context does not stop the loop.
	cancel()
	assert.Eventually(t, func() bool { return len(sink.Events()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, scheduler.IsRunning())

	assert.True(t, scheduler.Stop())
	assert.False(t, scheduler.IsRunning())

	seen := len(sink.Events())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, seen, len(sink.Events()))

	require.True(t, scheduler.Start(context.Background()))
	assert.True(t, scheduler.Stop())
}
