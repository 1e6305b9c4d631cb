package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

const (
	KindCredit           = "credit"
	ReferenceTypePayment = "payment"
)

type Payment struct {
	ID                   uuid.UUID
	ExternalReference    string
	MacAddress           string
	PlanID               int64
	RouterID             int64
	AmountTotal          decimal.Decimal
	AmountPrimaryShare   decimal.Decimal
	AmountSecondaryShare decimal.Decimal
	Status               Status
	GatewayStatus        string
	ProvisionAttempts    int
	NextAttemptAt        *time.Time
	LastError            *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	PaidAt               *time.Time
}

// SharesBalanced checks that primary + secondary == total at cent precision.
func (p *Payment) SharesBalanced() bool {
	sum := p.AmountPrimaryShare.Add(p.AmountSecondaryShare).Round(2)
	return sum.Equal(p.AmountTotal.Round(2))
}

// PageCursor is the (createdAt, id) position of the last row of a page.
type PageCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (p *Payment) Cursor() *PageCursor {
	return &PageCursor{CreatedAt: p.CreatedAt, ID: p.ID}
}

type Plan struct {
	ID             int64
	Name           string
	Profile        string
	Price          decimal.Decimal
	OwnerShareRate decimal.Decimal
}

// Router is the configuration record of a hotspot device. It is read once per
// provisioning call from its row and never assembled from loose fields.
type Router struct {
	ID          int64
	OwnerUserID int64
	Host        string
	Port        int
	Username    string
	Password    string
	Token       string
	UseTLS      bool
}

type LedgerTransaction struct {
	ID            uuid.UUID
	UserID        int64
	Kind          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ReferenceID   uuid.UUID
	ReferenceType string
	Memo          string
	CreatedAt     time.Time
}

type ReconciliationIssue struct {
	ID         int64
	PaymentID  uuid.UUID
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
