// Package refunds tracks sender refund requests for paid deliveries that were
// cancelled. Approval pays the money back through the original provider.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/idgen"
	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/notify"
	"github.com/baggo/baggo/internal/requests"
	"github.com/baggo/baggo/internal/syncutil"
	"github.com/baggo/baggo/internal/traces"
)

var (
	ErrNotFound         = errors.New("refund not found")
	ErrForbidden        = errors.New("only the sender can request a refund")
	ErrNotRefundable    = errors.New("only paid, cancelled requests can be refunded")
	ErrAlreadyRequested = errors.New("a refund is already open for this request")
	ErrNotPending       = errors.New("refund is no longer pending")
	ErrReasonRequired   = errors.New("reason is required")
	ErrProvider         = errors.New("payment provider did not refund")
)

// Status of a refund.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRefunded Status = "refunded"
	StatusRejected Status = "rejected"
)

// ParseStatus accepts a known status or the empty string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusPending, StatusRefunded, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown refund status %q", s)
}

// Refund is one request to return a sender's payment.
type Refund struct {
	ID                string                 `json:"id"`
	RequestID         string                 `json:"requestId"`
	UserID            string                 `json:"userId"`
	Provider          requests.PaymentMethod `json:"provider"`
	ExternalReference string                 `json:"externalReference"`
	Amount            decimal.Decimal        `json:"amount"`
	Reason            string                 `json:"reason"`
	Status            Status                 `json:"status"`
	ProviderRefundID  string                 `json:"providerRefundId,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Store persists refunds. Create fails with ErrAlreadyRequested when the
// request already has a pending or refunded refund.
type Store interface {
	Create(ctx context.Context, r *Refund) error
	Get(ctx context.Context, id string) (*Refund, error)
	Update(ctx context.Context, r *Refund) error
	// List returns refunds with the given status, or all when status is empty.
	List(ctx context.Context, status Status, limit int) ([]*Refund, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Refund, error)
}

// RequestLookup reads requests.
type RequestLookup interface {
	Get(ctx context.Context, id string) (*requests.Request, error)
}

// Refunder returns money through a payment provider.
type Refunder interface {
	Refund(ctx context.Context, method requests.PaymentMethod, reference string, amount decimal.Decimal) (string, error)
}

// Service manages refunds.
type Service struct {
	store    Store
	requests RequestLookup
	refunder Refunder
	notifier notify.Notifier
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a refund service. notifier may be nil.
func NewService(store Store, reqs RequestLookup, refunder Refunder, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    store,
		requests: reqs,
		refunder: refunder,
		notifier: notifier,
		locks:    syncutil.NewKeyedMutex(0),
		logger:   logger,
		now:      time.Now,
	}
}

// RequestRefund opens a refund for the sender's cancelled, paid request.
func (s *Service) RequestRefund(ctx context.Context, requestID, userID, reason string) (*Refund, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.SenderID != userID {
		return nil, ErrForbidden
	}
	if r.Status != requests.StatusCancelled || r.Payment.Status != requests.PaymentPaid {
		return nil, ErrNotRefundable
	}

	now := s.now().UTC()
	rf := &Refund{
		ID:                idgen.New(idgen.Refund),
		RequestID:         r.ID,
		UserID:            userID,
		Provider:          r.Payment.Method,
		ExternalReference: r.Payment.Reference,
		Amount:            r.EscrowAmount(),
		Reason:            reason,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, rf); err != nil {
		return nil, err
	}
	refundsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("refund requested", "refund_id", rf.ID, "request_id", r.ID, "amount", rf.Amount.String())
	s.emit(ctx, rf)
	return rf, nil
}

// Approve pays the refund back through the provider. A provider failure
// leaves the refund pending so it can be approved again.
func (s *Service) Approve(ctx context.Context, id, adminID string) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "refunds.approve", traces.UserID(adminID))
	rf, err := s.approve(ctx, id, adminID)
	traces.End(span, err)
	return rf, err
}

func (s *Service) approve(ctx context.Context, id, adminID string) (*Refund, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rf, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rf.Status != StatusPending {
		return nil, ErrNotPending
	}

	providerID, err := s.refunder.Refund(ctx, rf.Provider, rf.ExternalReference, rf.Amount)
	if err != nil {
		s.logger.Error("provider refund failed", "refund_id", rf.ID, "provider", rf.Provider, "error", err)
		return nil, fmt.Errorf("%w: refund %s: %w", ErrProvider, rf.ID, err)
	}
	rf.Status = StatusRefunded
	rf.ProviderRefundID = providerID
	rf.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, rf); err != nil {
		// The provider already paid out; keep the id in the log for reconciliation.
		s.logger.Error("refund paid but not recorded", "refund_id", rf.ID, "provider_refund_id", providerID, "error", err)
		return nil, err
	}
	refundsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	logging.L(ctx).Info("refund approved", "refund_id", rf.ID, "admin_id", adminID, "provider_refund_id", providerID)
	s.emit(ctx, rf)
	return rf, nil
}

// Reject closes a pending refund without paying it.
func (s *Service) Reject(ctx context.Context, id, adminID, note string) (*Refund, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rf, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rf.Status != StatusPending {
		return nil, ErrNotPending
	}
	rf.Status = StatusRejected
	rf.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, rf); err != nil {
		return nil, err
	}
	refundsTotal.WithLabelValues(string(StatusRejected)).Inc()
	logging.L(ctx).Info("refund rejected", "refund_id", rf.ID, "admin_id", adminID, "note", note)
	s.emit(ctx, rf)
	return rf, nil
}

// Get returns one refund.
func (s *Service) Get(ctx context.Context, id string) (*Refund, error) {
	return s.store.Get(ctx, id)
}

// List returns refunds filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Refund, error) {
	return s.store.List(ctx, status, limit)
}

// ListMine returns the refunds a user asked for.
func (s *Service) ListMine(ctx context.Context, userID string, limit int) ([]*Refund, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) emit(ctx context.Context, rf *Refund) {
	ev := notify.Event{
		Type:       notify.RefundUpdated,
		RequestID:  rf.RequestID,
		Recipients: []string{rf.UserID},
		Status:     string(rf.Status),
		Data:       map[string]any{"refundId": rf.ID, "amount": rf.Amount.String()},
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		logging.L(ctx).Warn("notification dropped", "event", ev.Type, "refund_id", rf.ID, "error", err)
	}
}
