package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/model"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	// sweep metrics
	pollerErrorFetchingCounter = metrics.GetOrCreateCounter(`poller_sweeps_total{result="fetching_failed"}`)
	pollerSuccessCounter       = metrics.GetOrCreateCounter(`poller_sweeps_total{result="success"}`)

	pollerSweepDurationHistogram = metrics.GetOrCreateHistogram(`poller_sweep_duration_milliseconds`)

	// per payment metrics
	pollerPaymentsEnqueuedCounter     = metrics.GetOrCreateCounter(`poller_payments_total{result="enqueued"}`)
	pollerPaymentsGatewayErrorCounter = metrics.GetOrCreateCounter(`poller_payments_total{result="gateway_error"}`)
	pollerPaymentsEnqueueErrorCounter = metrics.GetOrCreateCounter(`poller_payments_total{result="enqueue_failed"}`)
)

type PaymentLister interface {
	ListOpen(ctx context.Context, now time.Time, after *model.PageCursor, limit int) ([]*model.Payment, error)
}

type StatusSource interface {
	GetPayment(ctx context.Context, externalReference string) (*gateway.Payment, error)
}

type SweepResult struct {
	RunID    string `json:"runId"`
	Fetched  int    `json:"fetched"`
	Enqueued int    `json:"enqueued"`
	Skipped  int    `json:"skipped"`
}

// Scheduler polls the gateway for every payment that is not terminal yet.
// It is started and stopped explicitly, and a sweep can be forced at any time.
type Scheduler struct {
	payments  PaymentLister
	gateway   StatusSource
	sink      Sink
	interval  time.Duration
	fetchSize int
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweepMu sync.Mutex
}

func NewScheduler(payments PaymentLister, gw StatusSource, sink Sink, cfg config.Poller, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		payments:  payments,
		gateway:   gw,
		sink:      sink,
		interval:  time.Duration(cfg.IntervalMs) * time.Millisecond,
		fetchSize: cfg.FetchSize,
		now:       time.Now,
		logger:    logger,
	}
}

// Start launches the ticker loop. It reports false if the loop was already
// running. The loop outlives ctx cancellation; only Stop ends it.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.InfoContext(loopCtx, "Poller started", "interval", s.interval)
		for {
			select {
			case <-ticker.C:
				s.CheckNow(loopCtx)
			case <-loopCtx.Done():
				s.logger.InfoContext(loopCtx, "Context done, stopping poller")
				return
			}
		}
	}()
	return true
}

// Stop ends the loop and waits for an in-flight sweep to finish. It reports
// false if the loop was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// CheckNow runs one sweep synchronously. Sweeps never overlap.
func (s *Scheduler) CheckNow(ctx context.Context) SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	startTime := time.Now()
	defer func() {
		pollerSweepDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	result := SweepResult{RunID: uuid.New().String()}
	ctx = logging.AppendCtx(ctx, slog.String("runId", result.RunID))

	// page through every due payment, oldest first
	now := s.now()
	var after *model.PageCursor
	for {
		payments, err := s.payments.ListOpen(ctx, now, after, s.fetchSize)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error fetching open payments", "error", err, "fetched", result.Fetched)
			pollerErrorFetchingCounter.Inc()
			return result
		}
		result.Fetched += len(payments)

		for _, p := range payments {
			if ctx.Err() != nil {
				break
			}
			if s.poll(ctx, p) {
				result.Enqueued++
			} else {
				result.Skipped++
			}
		}

		if len(payments) < s.fetchSize || ctx.Err() != nil {
			break
		}
		after = payments[len(payments)-1].Cursor()
	}

	if result.Fetched == 0 {
		s.logger.DebugContext(ctx, "No open payments found")
		pollerSuccessCounter.Inc()
		return result
	}

	s.logger.InfoContext(ctx, "Poll sweep finished", "fetched", result.Fetched,
		"enqueued", result.Enqueued, "skipped", result.Skipped)
	pollerSuccessCounter.Inc()
	return result
}

// poll handles one payment in isolation. A failure only skips this payment
// until the next sweep.
func (s *Scheduler) poll(ctx context.Context, p *model.Payment) bool {
	paymentCtx := logging.AppendCtx(ctx, slog.String("externalReference", p.ExternalReference))

	remote, err := s.gateway.GetPayment(paymentCtx, p.ExternalReference)
	if err != nil {
		pollerPaymentsGatewayErrorCounter.Inc()
		if errors.Is(err, gateway.ErrNotFound) {
			s.logger.WarnContext(paymentCtx, "Gateway does not know payment", "status", p.Status)
		} else {
			s.logger.ErrorContext(paymentCtx, "Error fetching payment status", "error", err)
		}
		return false
	}

	err = s.sink.Enqueue(paymentCtx, StatusEvent{
		ExternalReference: p.ExternalReference,
		GatewayStatus:     remote.Status,
		Source:            SourcePoller,
		ObservedAt:        s.now().UTC(),
	})
	if err != nil {
		pollerPaymentsEnqueueErrorCounter.Inc()
		s.logger.ErrorContext(paymentCtx, "Error enqueueing status event", "error", err)
		return false
	}

	pollerPaymentsEnqueuedCounter.Inc()
	return true
}
