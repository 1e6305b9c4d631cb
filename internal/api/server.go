// Package api exposes the HTTP surface: gateway webhooks, purchase
// initiation and the administrative controls over the poller and reconciler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	appmetrics "payment-reconciler/internal/metrics"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payment"

	"github.com/google/uuid"
	"github.com/justinas/alice"
)

type Scheduler interface {
	Start(ctx context.Context) bool
	Stop() bool
	IsRunning() bool
	CheckNow(ctx context.Context) event.SweepResult
}

type PaymentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Payment, error)
}

type IssueStore interface {
	OpenIssues(ctx context.Context) ([]model.ReconciliationIssue, error)
	ResolveIssue(ctx context.Context, id int64) (bool, error)
}

type Initiator interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Checkout, error)
}

type Deps struct {
	Webhook   http.Handler
	Payments  PaymentReader
	Issues    IssueStore
	Initiator Initiator
	Scheduler Scheduler
	Sink      event.Sink
}

type Server struct {
	Deps
	adminToken string
	limiter    *RateLimiter
	logger     *slog.Logger
}

func NewServer(deps Deps, adminToken string, limiter *RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		Deps:       deps,
		adminToken: adminToken,
		limiter:    limiter,
		logger:     logger,
	}
}

func (s *Server) Routes() http.Handler {
	standard := alice.New(s.recoverPanic, s.logRequest)
	checkout := standard.Append(s.limiter.Middleware)
	admin := standard.Append(s.requireAdmin)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", appmetrics.Handler())

	mux.Handle("POST /webhook/{provider}", standard.Then(s.Webhook))
	mux.Handle("POST /payments", checkout.ThenFunc(s.createPayment))

	mux.Handle("GET /admin/polling", admin.ThenFunc(s.pollingStatus))
	mux.Handle("POST /admin/polling/start", admin.ThenFunc(s.startPolling))
	mux.Handle("POST /admin/polling/stop", admin.ThenFunc(s.stopPolling))
	mux.Handle("POST /admin/polling/check", admin.ThenFunc(s.checkNow))
	mux.Handle("POST /admin/payments/{id}/reprocess", admin.ThenFunc(s.reprocess))
	mux.Handle("GET /admin/issues", admin.ThenFunc(s.listIssues))
	mux.Handle("POST /admin/issues/{id}/resolve", admin.ThenFunc(s.resolveIssue))

	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

type pollingResponse struct {
	Running bool `json:"running"`
}

type paymentResponse struct {
	ID                string     `json:"id"`
	ExternalReference string     `json:"externalReference"`
	Status            string     `json:"status"`
	Amount            string     `json:"amount"`
	CheckoutURL       string     `json:"checkoutUrl,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
}

type issueResponse struct {
	ID        int64     `json:"id"`
	PaymentID string    `json:"paymentId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.InitiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	checkout, err := s.Initiator.Initiate(r.Context(), req)
	switch {
	case errors.Is(err, payment.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, payment.ErrUnknownPlan), errors.Is(err, payment.ErrUnknownRouter):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "Error initiating payment", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "could not create payment"})
		return
	}

	p := checkout.Payment
	writeJSON(w, http.StatusCreated, paymentResponse{
		ID:                p.ID.String(),
		ExternalReference: p.ExternalReference,
		Status:            string(p.Status),
		Amount:            p.AmountTotal.StringFixed(2),
		CheckoutURL:       checkout.CheckoutURL,
		CreatedAt:         p.CreatedAt,
	})
}

func (s *Server) pollingStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pollingResponse{Running: s.Scheduler.IsRunning()})
}

func (s *Server) startPolling(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler.Start(r.Context()) {
		s.logger.InfoContext(r.Context(), "Polling started by operator")
	}
	writeJSON(w, http.StatusOK, pollingResponse{Running: s.Scheduler.IsRunning()})
}

func (s *Server) stopPolling(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler.Stop() {
		s.logger.InfoContext(r.Context(), "Polling stopped by operator")
	}
	writeJSON(w, http.StatusOK, pollingResponse{Running: s.Scheduler.IsRunning()})
}

func (s *Server) checkNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.CheckNow(r.Context()))
}

// reprocess feeds the payment's last known gateway status back through the
// queue, so it passes the same guard as any automatic trigger.
func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payment id"})
		return
	}

	p, err := s.Payments.GetByID(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "payment not found"})
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	status := p.GatewayStatus
	if status == "" {
		status = string(p.Status)
	}
	err = s.Sink.Enqueue(r.Context(), event.StatusEvent{
		ExternalReference: p.ExternalReference,
		GatewayStatus:     status,
		Source:            event.SourceAdmin,
		ObservedAt:        time.Now().UTC(),
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	s.logger.InfoContext(r.Context(), "Payment queued for reprocessing", "paymentId", p.ID, "status", p.Status)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.Issues.OpenIssues(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	out := make([]issueResponse, 0, len(issues))
	for _, i := range issues {
		out = append(out, issueResponse{ID: i.ID, PaymentID: i.PaymentID.String(), Reason: i.Reason, CreatedAt: i.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolveIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid issue id"})
		return
	}

	resolved, err := s.Issues.ResolveIssue(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !resolved {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no open issue with this id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
