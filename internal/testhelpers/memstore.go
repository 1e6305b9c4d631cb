package testhelpers

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"payment-reconciler/internal/db"
	"payment-reconciler/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Delivery struct {
	Provider  string
	Signature string
	Body      []byte
}

// MemStore is an in-memory stand-in for the Postgres repositories with the
// same conditional-update semantics. Hooks allow injecting failures.
type MemStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*model.Payment
	plans    map[int64]*model.Plan
	routers  map[int64]*model.Router
	balances map[int64]decimal.Decimal
	ledger   []model.LedgerTransaction
	issues   []model.ReconciliationIssue
	webhooks []Delivery

	// CreditHook, when set, is consulted before every balance credit.
	CreditHook func(userID int64) error
	// InsertHook, when set, is consulted before every ledger batch insert.
	InsertHook func(txs []model.LedgerTransaction) error
}

func NewMemStore() *MemStore {
	return &MemStore{
		payments: make(map[uuid.UUID]*model.Payment),
		plans:    make(map[int64]*model.Plan),
		routers:  make(map[int64]*model.Router),
		balances: make(map[int64]decimal.Decimal),
	}
}

func (s *MemStore) AddPlan(p model.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = &p
}

func (s *MemStore) AddRouter(r model.Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routers[r.ID] = &r
}

func (s *MemStore) SetBalance(userID int64, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// Payments

func (s *MemStore) Create(_ context.Context, p *model.Payment) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.ExternalReference == p.ExternalReference {
			return nil, db.ErrAlreadyExists
		}
	}
	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.payments[p.ID] = &stored

	out := stored
	return &out, nil
}

func (s *MemStore) GetByID(_ context.Context, id uuid.UUID) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemStore) GetByExternalReference(_ context.Context, ref string) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.ExternalReference == ref {
			out := *p
			return &out, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *MemStore) ListOpen(_ context.Context, now time.Time, after *model.PageCursor, limit int) ([]*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*model.Payment
	for _, p := range s.payments {
		if p.Status != model.StatusPending && p.Status != model.StatusApproved {
			continue
		}
		if p.NextAttemptAt != nil && p.NextAttemptAt.After(now) {
			continue
		}
		if s.heldLocked(p.ID) {
			continue
		}
		if after != nil && !cursorBefore(after, p) {
			continue
		}
		out := *p
		open = append(open, &out)
	}
	sort.Slice(open, func(i, j int) bool { return cursorBefore(open[i].Cursor(), open[j]) })
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func cursorBefore(c *model.PageCursor, p *model.Payment) bool {
	if !c.CreatedAt.Equal(p.CreatedAt) {
		return c.CreatedAt.Before(p.CreatedAt)
	}
	return bytes.Compare(c.ID[:], p.ID[:]) < 0
}

func (s *MemStore) heldLocked(id uuid.UUID) bool {
	for _, i := range s.issues {
		if i.PaymentID == id && i.ResolvedAt == nil {
			return true
		}
	}
	return false
}

func (s *MemStore) CompareAndSetStatus(_ context.Context, id uuid.UUID, from, to model.Status, gatewayStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.GatewayStatus = gatewayStatus
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemStore) MarkCompleted(_ context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok || p.Status.Terminal() {
		return false, nil
	}
	p.Status = model.StatusCompleted
	p.PaidAt = &paidAt
	p.NextAttemptAt = nil
	p.LastError = nil
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemStore) UpdateGatewayStatus(_ context.Context, id uuid.UUID, gatewayStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.payments[id]; ok {
		p.GatewayStatus = gatewayStatus
	}
	return nil
}

func (s *MemStore) RecordFulfillmentFailure(_ context.Context, id uuid.UUID, attempts int, nextAttemptAt *time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.payments[id]; ok {
		p.ProvisionAttempts = attempts
		p.NextAttemptAt = nextAttemptAt
		p.LastError = &reason
	}
	return nil
}

// Catalog

func (s *MemStore) GetPlan(_ context.Context, id int64) (*model.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemStore) GetRouter(_ context.Context, id int64) (*model.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routers[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	out := *r
	return &out, nil
}

// Ledger

func (s *MemStore) Balance(_ context.Context, userID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *MemStore) InsertTransactions(_ context.Context, txs []model.LedgerTransaction) error {
	if s.InsertHook != nil {
		if err := s.InsertHook(txs); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range txs {
		for _, existing := range s.ledger {
			if existing.ReferenceID == t.ReferenceID && existing.ReferenceType == t.ReferenceType &&
				existing.UserID == t.UserID {
				return db.ErrAlreadyExists
			}
		}
	}
	s.ledger = append(s.ledger, txs...)
	return nil
}

func (s *MemStore) CreditBalance(_ context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if s.CreditHook != nil {
		if err := s.CreditHook(userID); err != nil {
			return decimal.Zero, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] = s.balances[userID].Add(amount)
	return s.balances[userID], nil
}

func (s *MemStore) Exists(_ context.Context, referenceID uuid.UUID, referenceType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.ledger {
		if t.ReferenceID == referenceID && t.ReferenceType == referenceType {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ListByReference(_ context.Context, referenceID uuid.UUID, referenceType string) ([]model.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.LedgerTransaction
	for _, t := range s.ledger {
		if t.ReferenceID == referenceID && t.ReferenceType == referenceType {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemStore) FlagIssue(_ context.Context, paymentID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.issues {
		if s.issues[i].PaymentID == paymentID && s.issues[i].ResolvedAt == nil {
			s.issues[i].Reason = reason
			return nil
		}
	}
	s.issues = append(s.issues, model.ReconciliationIssue{
		ID:        int64(len(s.issues) + 1),
		PaymentID: paymentID,
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemStore) OpenIssues(_ context.Context) ([]model.ReconciliationIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []model.ReconciliationIssue
	for _, i := range s.issues {
		if i.ResolvedAt == nil {
			open = append(open, i)
		}
	}
	return open, nil
}

func (s *MemStore) ResolveIssue(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.issues {
		if s.issues[i].ID == id && s.issues[i].ResolvedAt == nil {
			now := time.Now()
			s.issues[i].ResolvedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ResolvePaymentIssues(_ context.Context, paymentID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved int64
	now := time.Now()
	for i := range s.issues {
		if s.issues[i].PaymentID == paymentID && s.issues[i].ResolvedAt == nil {
			s.issues[i].ResolvedAt = &now
			resolved++
		}
	}
	return resolved, nil
}

func (s *MemStore) Ledger() []model.LedgerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LedgerTransaction(nil), s.ledger...)
}

// Webhooks

func (s *MemStore) SaveDelivery(_ context.Context, provider, signature string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.webhooks = append(s.webhooks, Delivery{Provider: provider, Signature: signature, Body: append([]byte(nil), body...)})
	return nil
}

func (s *MemStore) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.webhooks...)
}
