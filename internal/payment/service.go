// Package payment starts purchases: it prices the plan, opens a checkout at
// the gateway and records the pending payment the reconciler will drive.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/gateway"
	"payment-reconciler/internal/mac"
	"payment-reconciler/internal/model"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest = errors.New("invalid purchase request")
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownRouter  = errors.New("unknown router")
)

var (
	initiatedCounter      = metrics.GetOrCreateCounter(`payments_initiated_total{result="success"}`)
	initiateFailedCounter = metrics.GetOrCreateCounter(`payments_initiated_total{result="failed"}`)
)

type InitiateRequest struct {
	MacAddress string `json:"macAddress" validate:"required"`
	PlanID     int64  `json:"planId" validate:"gt=0"`
	RouterID   int64  `json:"routerId" validate:"gt=0"`
}

type Checkout struct {
	Payment     *model.Payment
	CheckoutURL string
}

type Store interface {
	Create(ctx context.Context, p *model.Payment) (*model.Payment, error)
}

type Catalog interface {
	GetPlan(ctx context.Context, id int64) (*model.Plan, error)
	GetRouter(ctx context.Context, id int64) (*model.Router, error)
}

type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error)
}

type Service struct {
	payments Store
	catalog  Catalog
	gateway  Gateway
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(payments Store, catalog Catalog, gw Gateway, logger *slog.Logger) *Service {
	return &Service{
		payments: payments,
		catalog:  catalog,
		gateway:  gw,
		validate: validator.New(),
		logger:   logger,
	}
}

// SplitPrice gives the owner round(price * rate, 2) and the platform the
// remainder, so the two always add up to price exactly.
func SplitPrice(price, ownerShareRate decimal.Decimal) (owner, platform decimal.Decimal) {
	owner = price.Mul(ownerShareRate).Round(2)
	return owner, price.Sub(owner)
}

func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Checkout, error) {
	checkout, err := s.initiate(ctx, req)
	if err != nil {
		initiateFailedCounter.Inc()
		return nil, err
	}
	initiatedCounter.Inc()
	return checkout, nil
}

func (s *Service) initiate(ctx context.Context, req InitiateRequest) (*Checkout, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	normalized, err := mac.Normalize(req.MacAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	plan, err := s.catalog.GetPlan(ctx, req.PlanID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPlan, req.PlanID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.catalog.GetRouter(ctx, req.RouterID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownRouter, req.RouterID)
		}
		return nil, err
	}

	owner, platform := SplitPrice(plan.Price, plan.OwnerShareRate)
	id := uuid.New()

	remote, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:      plan.Price,
		Description: plan.Name,
		Metadata: map[string]any{
			"paymentId":  id.String(),
			"macAddress": normalized,
			"planId":     plan.ID,
		},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating gateway payment", "error", err, "planId", plan.ID)
		return nil, fmt.Errorf("create gateway payment: %w", err)
	}

	gatewayStatus := remote.Status
	if gatewayStatus == "" {
		gatewayStatus = string(model.StatusPending)
	}
	created, err := s.payments.Create(ctx, &model.Payment{
		ID:                   id,
		ExternalReference:    remote.ID,
		MacAddress:           normalized,
		PlanID:               plan.ID,
		RouterID:             req.RouterID,
		AmountTotal:          plan.Price,
		AmountPrimaryShare:   owner,
		AmountSecondaryShare: platform,
		Status:               model.StatusPending,
		GatewayStatus:        gatewayStatus,
		CreatedAt:            time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("store payment: %w", err)
	}

	s.logger.InfoContext(ctx, "Payment initiated", "paymentId", created.ID, "externalReference", created.ExternalReference,
		"amount", plan.Price.StringFixed(2))
	return &Checkout{Payment: created, CheckoutURL: remote.CheckoutURL}, nil
}
