// Package gateway is a thin HTTP client for the payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-reconciler/internal/config"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("payment not found at gateway")

var (
	gatewayRequestSuccessCounter = metrics.GetOrCreateCounter(`gateway_requests_total{result="success"}`)
	gatewayRequestErrorCounter   = metrics.GetOrCreateCounter(`gateway_requests_total{result="error"}`)

	gatewayRequestDurationHistogram = metrics.GetOrCreateHistogram(`gateway_request_duration_milliseconds`)
)

type CreatePaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	NotificationURL string          `json:"notification_url,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

type Payment struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	StatusDetail string          `json:"status_detail"`
	Amount       decimal.Decimal `json:"amount"`
	CheckoutURL  string          `json:"checkout_url"`
}

type Client struct {
	client          *http.Client
	baseURL         string
	token           string
	notificationURL string
	logger          *slog.Logger
}

func NewClient(cfg config.Gateway, logger *slog.Logger) *Client {
	return &Client{
		client:          &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		token:           cfg.Token,
		notificationURL: cfg.NotificationURL,
		logger:          logger,
	}
}

// CreatePayment registers a checkout at the gateway. The returned ID is the
// external reference all later notifications carry.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	if req.NotificationURL == "" {
		req.NotificationURL = c.notificationURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var out Payment
	if err := c.do(ctx, http.MethodPost, "/v1/payments", body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("gateway returned a payment without id")
	}
	return &out, nil
}

// GetPayment returns the gateway's current view of a payment.
func (c *Client) GetPayment(ctx context.Context, externalReference string) (*Payment, error) {
	var out Payment
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(externalReference), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	startTime := time.Now()
	defer func() {
		gatewayRequestDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.DebugContext(ctx, "Calling gateway", "method", method, "path", path)
	resp, err := c.client.Do(req)
	if err != nil {
		gatewayRequestErrorCounter.Inc()
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gatewayRequestErrorCounter.Inc()
		return fmt.Errorf("gateway %s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		gatewayRequestErrorCounter.Inc()
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		gatewayRequestErrorCounter.Inc()
		return fmt.Errorf("gateway %s %s: unexpected status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		gatewayRequestErrorCounter.Inc()
		return fmt.Errorf("gateway %s %s: decode response: %w", method, path, err)
	}

	gatewayRequestSuccessCounter.Inc()
	return nil
}
