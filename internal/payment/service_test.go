package payment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/testhelpers"

	"github.com/h2non/gock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *testhelpers.MemStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := testhelpers.NewMemStore()
	store.AddPlan(model.Plan{ID: 1, Name: "1 hour", Profile: "1h", Price: decimal.RequireFromString("5.00"),
		OwnerShareRate: decimal.RequireFromString("0.7")})
	store.AddRouter(model.Router{ID: 7, OwnerUserID: 42, Host: "10.0.0.1"})

	gw := gateway.NewClient(config.Gateway{BaseURL: "http://gateway.test", TimeoutMs: 500}, logger)
	return NewService(store, store, gw, logger), store
}

func TestSplitPrice(t *testing.T) {
	tests := []struct {
		price, rate, owner, platform string
	}{
		{"100.00", "0.7", "70.00", "30.00"},
		{"10.00", "0.333", "3.33", "6.67"},
		{"0.05", "0.5", "0.03", "0.02"},
		{"9.99", "1", "9.99", "0.00"},
		{"9.99", "0", "0.00", "9.99"},
	}

	for _, tt := range tests {
		t.Run(tt.price+"x"+tt.rate, func(t *testing.T) {
			price := decimal.RequireFromString(tt.price)
			owner, platform := SplitPrice(price, decimal.RequireFromString(tt.rate))
			assert.Equal(t, tt.owner, owner.StringFixed(2))
			assert.Equal(t, tt.platform, platform.StringFixed(2))
			assert.True(t, owner.Add(platform).Equal(price))
		})
	}
}

func TestInitiate_CreatesPendingPayment(t *testing.T) {
	defer gock.Off()
	gock.New("http://gateway.test").
		Post("/v1/payments").
		Reply(201).
		JSON(map[string]any{"id": "mp-77", "status": "pending", "checkout_url": "http://gateway.test/c/mp-77"})

	service, store := newService(t)

	checkout, err := service.Initiate(context.Background(), InitiateRequest{
		MacAddress: "00-11-22-AA-BB-CC", PlanID: 1, RouterID: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, "http://gateway.test/c/mp-77", checkout.CheckoutURL)
	p := checkout.Payment
	assert.Equal(t, "mp-77", p.ExternalReference)
	assert.Equal(t, "001122aabbcc", p.MacAddress)
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, "3.50", p.AmountPrimaryShare.StringFixed(2))
	assert.Equal(t, "1.50", p.AmountSecondaryShare.StringFixed(2))
	assert.True(t, p.SharesBalanced())

	stored, err := store.GetByExternalReference(context.Background(), "mp-77")
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)
}

func TestInitiate_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		req      InitiateRequest
		expected error
	}{
		{"MissingMac", InitiateRequest{PlanID: 1, RouterID: 7}, ErrInvalidRequest},
		{"BadMac", InitiateRequest{MacAddress: "00:11:22", PlanID: 1, RouterID: 7}, ErrInvalidRequest},
		{"NoPlan", InitiateRequest{MacAddress: "001122334455", RouterID: 7}, ErrInvalidRequest},
		{"UnknownPlan", InitiateRequest{MacAddress: "001122334455", PlanID: 9, RouterID: 7}, ErrUnknownPlan},
		{"UnknownRouter", InitiateRequest{MacAddress: "001122334455", PlanID: 1, RouterID: 9}, ErrUnknownRouter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			service, _ := newService(t)

			_, err := service.Initiate(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestInitiate_GatewayFailureStoresNothing(t *testing.T) {
	defer gock.Off()
	gock.New("http://gateway.test").Post("/v1/payments").Reply(503)

	service, store := newService(t)
	_, err := service.Initiate(context.Background(), InitiateRequest{MacAddress: "001122334455", PlanID: 1, RouterID: 7})
	require.Error(t, err)

	open, _ := store.ListOpen(context.Background(), time.Now().Add(time.Hour), nil, 10)
	assert.Empty(t, open)
}
