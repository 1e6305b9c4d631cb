package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/payload"

	"github.com/VictoriaMetrics/metrics"
)

const (
	maxWebhookBody  = 1 << 20
	SignatureHeader = "X-Signature"
)

var (
	webhookAcceptedCounter     = metrics.GetOrCreateCounter(`webhook_requests_total{result="accepted"}`)
	webhookUnknownCounter      = metrics.GetOrCreateCounter(`webhook_requests_total{result="unknown_payment"}`)
	webhookMalformedCounter    = metrics.GetOrCreateCounter(`webhook_requests_total{result="malformed"}`)
	webhookUnauthorizedCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="unauthorized"}`)
	webhookDeferredCounter     = metrics.GetOrCreateCounter(`webhook_requests_total{result="deferred"}`)
)

type PaymentLookup interface {
	GetByExternalReference(ctx context.Context, ref string) (*model.Payment, error)
}

type DeliveryStore interface {
	SaveDelivery(ctx context.Context, provider, signature string, body []byte) error
}

// Webhook receives gateway push notifications. It answers as soon as the
// event is queued; processing happens elsewhere. Only malformed or
// unauthenticated requests get a non-2xx answer.
type Webhook struct {
	payments   PaymentLookup
	deliveries DeliveryStore
	sink       Sink
	secret     string
	logger     *slog.Logger
}

func NewWebhook(payments PaymentLookup, deliveries DeliveryStore, sink Sink, secret string, logger *slog.Logger) *Webhook {
	return &Webhook{
		payments:   payments,
		deliveries: deliveries,
		sink:       sink,
		secret:     secret,
		logger:     logger,
	}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	ctx := logging.AppendCtx(r.Context(), slog.String("provider", provider))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		webhookMalformedCounter.Inc()
		h.logger.WarnContext(ctx, "Error reading webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if h.secret != "" && !payload.VerifySignature(body, signature, h.secret) {
		webhookUnauthorizedCounter.Inc()
		h.logger.WarnContext(ctx, "Webhook signature mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	if err := h.deliveries.SaveDelivery(ctx, provider, signature, body); err != nil {
		h.logger.ErrorContext(ctx, "Error storing webhook delivery", "error", err)
	}

	notification, err := payload.Parse(body)
	if err != nil {
		webhookMalformedCounter.Inc()
		h.logger.WarnContext(ctx, "Malformed webhook payload", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ctx = logging.AppendCtx(ctx, slog.String("externalReference", notification.Reference))

	if _, err := h.payments.GetByExternalReference(ctx, notification.Reference); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			webhookUnknownCounter.Inc()
			h.logger.WarnContext(ctx, "Webhook for unknown payment, dropping", "gatewayStatus", notification.Status)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		webhookDeferredCounter.Inc()
		h.logger.ErrorContext(ctx, "Error looking up payment, leaving it to the poller", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deferred"})
		return
	}

	err = h.sink.Enqueue(ctx, StatusEvent{
		ExternalReference: notification.Reference,
		GatewayStatus:     notification.Status,
		Source:            SourceWebhook,
		ObservedAt:        time.Now().UTC(),
	})
	if err != nil {
		webhookDeferredCounter.Inc()
		h.logger.ErrorContext(ctx, "Error enqueueing webhook event, leaving it to the poller", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deferred"})
		return
	}

	webhookAcceptedCounter.Inc()
	h.logger.InfoContext(ctx, "Webhook accepted", "gatewayStatus", notification.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
