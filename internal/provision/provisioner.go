package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/mac"
	"payment-reconciler/internal/model"

	"github.com/VictoriaMetrics/metrics"
)

var (
	provisionSuccessCounter     = metrics.GetOrCreateCounter(`provision_total{result="success"}`)
	provisionUnavailableCounter = metrics.GetOrCreateCounter(`provision_total{result="unavailable"}`)
	provisionRejectedCounter    = metrics.GetOrCreateCounter(`provision_total{result="rejected"}`)
	provisionInvalidCounter     = metrics.GetOrCreateCounter(`provision_total{result="invalid_input"}`)

	provisionDurationHistogram = metrics.GetOrCreateHistogram(`provision_duration_milliseconds`)
)

// DeviceFactory builds a client for the router a payment belongs to.
type DeviceFactory func(router model.Router) Device

// Result carries both halves of a provisioning run.
type Result struct {
	Username string
	Deleted  []Credential
	Created  Credential
}

type Provisioner struct {
	newDevice      DeviceFactory
	maxConcurrency int
	commentPrefix  string
	now            func() time.Time
	logger         *slog.Logger

	mu    sync.Mutex
	slots map[int64]chan struct{}
}

func NewProvisioner(newDevice DeviceFactory, cfg config.Provision, logger *slog.Logger) *Provisioner {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Provisioner{
		newDevice:      newDevice,
		maxConcurrency: maxConcurrency,
		commentPrefix:  cfg.CommentPrefix,
		now:            time.Now,
		logger:         logger,
		slots:          make(map[int64]chan struct{}),
	}
}

// HTTPDevices returns a DeviceFactory backed by DeviceClient.
func HTTPDevices(timeout time.Duration, logger *slog.Logger) DeviceFactory {
	return func(router model.Router) Device {
		return NewDeviceClient(router, timeout, logger)
	}
}

// ProvisionForPayment replaces any credential bound to macAddress on the
// router with a fresh one whose username and password are the normalized
// address. The device has no upsert, so the old credential is deleted first.
func (p *Provisioner) ProvisionForPayment(ctx context.Context, router model.Router, macAddress, profile string) (*Result, error) {
	startTime := time.Now()
	result, err := p.provision(ctx, router, macAddress, profile)
	provisionDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))

	switch {
	case err == nil:
		provisionSuccessCounter.Inc()
	case errors.Is(err, ErrInvalidInput):
		provisionInvalidCounter.Inc()
	case errors.Is(err, ErrRejected):
		provisionRejectedCounter.Inc()
	default:
		provisionUnavailableCounter.Inc()
	}
	return result, err
}

func (p *Provisioner) provision(ctx context.Context, router model.Router, macAddress, profile string) (*Result, error) {
	normalized, err := mac.Normalize(macAddress)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidInput, Op: "normalize", Err: fmt.Errorf("%q: %w", macAddress, err)}
	}
	if strings.TrimSpace(profile) == "" {
		return nil, &Error{Kind: ErrInvalidInput, Op: "profile", Err: errors.New("empty profile")}
	}

	release, err := p.acquire(ctx, router.ID)
	if err != nil {
		return nil, &Error{Kind: ErrUnavailable, Op: "acquire", Err: err}
	}
	defer release()

	device := p.newDevice(router)
	identifier := mac.Colon(normalized)
	result := &Result{Username: normalized}

	existing, err := device.FindByMac(ctx, identifier)
	if err != nil {
		return nil, err
	}

	for _, c := range existing {
		if !strings.EqualFold(c.MacAddress, identifier) {
			continue
		}
		if err := device.Delete(ctx, c.ID); err != nil {
			return result, err
		}
		p.logger.InfoContext(ctx, "Deleted existing credential", "credentialId", c.ID, "mac", normalized)
		result.Deleted = append(result.Deleted, c)
	}

	created, err := device.Create(ctx, Credential{
		Name:       normalized,
		Password:   normalized,
		Profile:    profile,
		MacAddress: identifier,
		Comment:    fmt.Sprintf("%s %s", p.commentPrefix, p.now().UTC().Format(time.RFC3339)),
	})
	if err != nil {
		return result, err
	}
	result.Created = created

	p.logger.InfoContext(ctx, "Provisioned credential", "credentialId", created.ID, "mac", normalized,
		"profile", profile, "replaced", len(result.Deleted))
	return result, nil
}

// acquire blocks until a request slot for the router is free.
func (p *Provisioner) acquire(ctx context.Context, routerID int64) (func(), error) {
	p.mu.Lock()
	sem, ok := p.slots[routerID]
	if !ok {
		sem = make(chan struct{}, p.maxConcurrency)
		p.slots[routerID] = sem
	}
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
