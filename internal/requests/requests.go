// Package requests implements the delivery request lifecycle: a sender's
// package carried on a traveler's trip, paid through a provider, with the
// price held in the traveler's escrow until the sender confirms receipt.
//
// Every mutation runs under a per-request lock, writes with an optimistic
// version check, and appends exactly one movement entry per status change.
// Money moves through the escrow engine before the new state is persisted;
// ledger references make a retried movement a no-op.
package requests

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/dispute"
	"github.com/baggo/baggo/internal/escrow"
	"github.com/baggo/baggo/internal/ledger"
	"github.com/baggo/baggo/internal/notify"
	"github.com/baggo/baggo/internal/packages"
	"github.com/baggo/baggo/internal/syncutil"
	"github.com/baggo/baggo/internal/trips"
)

var (
	ErrNotFound             = errors.New("request not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidAmount        = ledger.ErrInvalidAmount
	ErrInvalidStatus        = errors.New("unknown request status")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrAlreadyCancelled     = errors.New("request already cancelled")
	ErrDisputeOpen          = escrow.ErrDisputeOpen
	ErrForbidden            = errors.New("not allowed to act on this request")
	ErrKYCRequired          = errors.New("traveler identity is not verified")
	ErrPaymentRequired      = errors.New("payment has not been confirmed")
	ErrInvalidPaymentMethod = errors.New("payment method must be stripe or paystack")
	ErrDuplicateReference   = errors.New("payment reference already used by another request")
	ErrConflict             = errors.New("request was modified concurrently")
)

// PaymentMethod is the provider a request is paid through.
type PaymentMethod string

const (
	MethodStripe   PaymentMethod = "stripe"
	MethodPaystack PaymentMethod = "paystack"
)

// ParsePaymentMethod validates a provider name.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case MethodStripe, MethodPaystack:
		return m, nil
	}
	return "", ErrInvalidPaymentMethod
}

// PaymentStatus of a request.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

// Settled reports whether the provider gave a final answer.
func (p PaymentStatus) Settled() bool {
	return p == PaymentPaid || p == PaymentFailed
}

// Payment is the provider side of a request.
type Payment struct {
	Method    PaymentMethod `json:"method,omitempty"`
	Reference string        `json:"externalReference,omitempty"`
	Status    PaymentStatus `json:"status"`
	UpdatedAt *time.Time    `json:"updatedAt,omitempty"`
}

// Movement is one entry of the append-only tracking log.
type Movement struct {
	Status    Status    `json:"status"`
	Location  string    `json:"location,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is a delivery agreement.
type Request struct {
	ID               string           `json:"id"`
	SenderID         string           `json:"senderId"`
	TravelerID       string           `json:"travelerId"`
	PackageID        string           `json:"packageId"`
	TripID           string           `json:"tripId,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	Insurance        bool             `json:"insurance"`
	InsuranceCost    *decimal.Decimal `json:"insuranceCost,omitempty"`
	Discount         decimal.Decimal  `json:"discount"`
	Status           Status           `json:"status"`
	Payment          Payment          `json:"payment"`
	SenderReceived   bool             `json:"senderReceived"`
	Escrow           escrow.State     `json:"escrow"`
	EscrowCleared    bool             `json:"escrowCleared"`
	ReservedKg       decimal.Decimal  `json:"reservedKg"`
	Dispute          *dispute.Dispute `json:"dispute,omitempty"`
	MovementTracking []Movement       `json:"movementTracking"`
	CancelReason     string           `json:"cancelReason,omitempty"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// EscrowAmount is what a hold places in escrow: price plus insurance.
func (r *Request) EscrowAmount() decimal.Decimal {
	if r.InsuranceCost == nil {
		return r.Amount
	}
	return r.Amount.Add(*r.InsuranceCost)
}

// IsParty reports whether userID is the sender or the traveler.
func (r *Request) IsParty(userID string) bool {
	return userID != "" && (userID == r.SenderID || userID == r.TravelerID)
}

func (r *Request) claim() escrow.Claim {
	return escrow.Claim{
		RequestID:      r.ID,
		TravelerID:     r.TravelerID,
		Amount:         r.EscrowAmount(),
		State:          r.Escrow,
		DisputeOpen:    dispute.Blocks(r.Dispute),
		SenderReceived: r.SenderReceived,
	}
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	if r.InsuranceCost != nil {
		c := *r.InsuranceCost
		cp.InsuranceCost = &c
	}
	if r.Dispute != nil {
		d := *r.Dispute
		cp.Dispute = &d
	}
	if r.Payment.UpdatedAt != nil {
		t := *r.Payment.UpdatedAt
		cp.Payment.UpdatedAt = &t
	}
	cp.MovementTracking = append([]Movement{}, r.MovementTracking...)
	return &cp
}

// Store persists requests.
//
// Update must fail with ErrConflict unless the stored version equals
// r.Version, and on success increment r.Version. Both Create and Update fail
// with ErrDuplicateReference when the payment reference belongs to another
// request.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByPaymentReference(ctx context.Context, reference string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	ListBySender(ctx context.Context, senderID string, limit int) ([]*Request, error)
	ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Request, error)
	// ListDisputes returns requests carrying a dispute with the given status,
	// or any dispute when status is empty.
	ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]*Request, error)
}

// UserDirectory is the slice of the user service requests depend on.
type UserDirectory interface {
	IsKYCVerified(ctx context.Context, userID string) (bool, error)
	ApplyReferralDiscount(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, bool, error)
	RestoreReferralDiscount(ctx context.Context, userID string) error
}

// PackageDirectory looks up packages.
type PackageDirectory interface {
	Get(ctx context.Context, id string) (*packages.Package, error)
}

// TripBook looks up trips and reserves their capacity.
type TripBook interface {
	Get(ctx context.Context, id string) (*trips.Trip, error)
	Reserve(ctx context.Context, id string, kg decimal.Decimal) error
	Release(ctx context.Context, id string, kg decimal.Decimal) error
}

// Collaborators are the services a request touches outside its own store.
type Collaborators struct {
	Users    UserDirectory
	Packages PackageDirectory
	Trips    TripBook
	Notifier notify.Notifier // optional
}

// Actor is whoever performs an operation.
type Actor struct {
	ID    string
	Admin bool
}

// Service implements the request state machine.
type Service struct {
	store    Store
	engine   *escrow.Engine
	users    UserDirectory
	packages PackageDirectory
	trips    TripBook
	notifier notify.Notifier
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the request service.
func NewService(store Store, engine *escrow.Engine, c Collaborators, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	n := c.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{
		store:    store,
		engine:   engine,
		users:    c.Users,
		packages: c.Packages,
		trips:    c.Trips,
		notifier: n,
		locks:    syncutil.NewKeyedMutex(0),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
