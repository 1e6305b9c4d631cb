package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"payment-reconciler/internal/event"

	"github.com/VictoriaMetrics/metrics"
)

var ErrQueueFull = errors.New("too many queued events for payment")

var (
	queueEnqueuedCounter = metrics.GetOrCreateCounter(`reconcile_queue_total{result="enqueued"}`)
	queueRejectedCounter = metrics.GetOrCreateCounter(`reconcile_queue_total{result="rejected"}`)
	queueFailedCounter   = metrics.GetOrCreateCounter(`reconcile_queue_total{result="failed"}`)
)

type Processor interface {
	Reconcile(ctx context.Context, e event.StatusEvent) (Outcome, error)
}

// Queue is a work queue keyed by payment reference. Events for one payment
// are handled one at a time in arrival order by a worker that lives while the
// key has pending work; different payments proceed in parallel.
type Queue struct {
	ctx       context.Context
	processor Processor
	perKey    int
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string][]event.StatusEvent
	closed  bool
	wg      sync.WaitGroup
}

func NewQueue(ctx context.Context, processor Processor, perKey int, logger *slog.Logger) *Queue {
	if perKey < 1 {
		perKey = 1
	}
	return &Queue{
		ctx:       context.WithoutCancel(ctx),
		processor: processor,
		perKey:    perKey,
		logger:    logger,
		pending:   make(map[string][]event.StatusEvent),
	}
}

func (q *Queue) Enqueue(ctx context.Context, e event.StatusEvent) error {
	key := e.ExternalReference

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return event.ErrQueueClosed
	}

	queued, active := q.pending[key]
	if len(queued) >= q.perKey {
		queueRejectedCounter.Inc()
		q.logger.WarnContext(ctx, "Event queue for payment is full", "externalReference", key)
		return ErrQueueFull
	}
	q.pending[key] = append(queued, e)
	queueEnqueuedCounter.Inc()

	if !active {
		q.wg.Add(1)
		go q.work(key)
	}
	return nil
}

func (q *Queue) work(key string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		queued := q.pending[key]
		if len(queued) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		e := queued[0]
		q.pending[key] = queued[1:]
		q.mu.Unlock()

		q.process(e)
	}
}

func (q *Queue) process(e event.StatusEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			queueFailedCounter.Inc()
			q.logger.ErrorContext(q.ctx, "Panic while reconciling event", "externalReference", e.ExternalReference,
				"panic", rec)
		}
	}()

	outcome, err := q.processor.Reconcile(q.ctx, e)
	if err != nil {
		queueFailedCounter.Inc()
		q.logger.ErrorContext(q.ctx, "Error reconciling event", "externalReference", e.ExternalReference,
			"gatewayStatus", e.GatewayStatus, "outcome", outcome, "error", err)
	}
}

// Pending returns the number of payments with queued or in-flight work.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting events and waits for queued work to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
