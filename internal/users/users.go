// Package users keeps the identity, KYC status and referral state the
// delivery flow depends on.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/idgen"
	"github.com/baggo/baggo/internal/money"
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidUser     = errors.New("invalid user")
	ErrInvalidKYC      = errors.New("invalid KYC status")
	ErrUnknownReferrer = errors.New("referrer does not exist")
)

// Role of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// KYCStatus is the identity verification state.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// User is a sender, traveler or admin.
type User struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Email                   string    `json:"email"`
	Role                    Role      `json:"role"`
	KYCStatus               KYCStatus `json:"kycStatus"`
	ReferredBy              string    `json:"referredBy,omitempty"`
	HasUsedReferralDiscount bool      `json:"hasUsedReferralDiscount"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error // ErrEmailTaken on duplicate email
	Get(ctx context.Context, id string) (*User, error)
	SetKYCStatus(ctx context.Context, id string, status KYCStatus, at time.Time) (*User, error)
	// ClaimReferralDiscount flips HasUsedReferralDiscount for a referred user
	// that has not used it yet, reporting whether this call flipped it.
	ClaimReferralDiscount(ctx context.Context, id string, at time.Time) (bool, error)
	// ReturnReferralDiscount clears HasUsedReferralDiscount again.
	ReturnReferralDiscount(ctx context.Context, id string, at time.Time) error
}

// AccountOpener opens the user's wallet. Implemented by *ledger.Ledger.
type AccountOpener interface {
	OpenAccountFor(ctx context.Context, userID string) error
}

// CreateRequest contains the parameters for registering a user.
type CreateRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required"`
	ReferredBy string `json:"referredBy"`
}

// Service implements user operations.
type Service struct {
	store           Store
	accounts        AccountOpener
	discountPercent decimal.Decimal
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates a user service. discountPercent is the one-time
// referral discount.
func NewService(store Store, accounts AccountOpener, discountPercent decimal.Decimal, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, accounts: accounts, discountPercent: discountPercent, logger: logger, now: time.Now}
}

// Create registers a user with the given role and opens their wallet.
func (s *Service) Create(ctx context.Context, req CreateRequest, role Role) (*User, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidUser)
	}
	if role != RoleUser && role != RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, role)
	}
	if req.ReferredBy != "" {
		if _, err := s.store.Get(ctx, req.ReferredBy); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrUnknownReferrer
			}
			return nil, err
		}
	}

	now := s.now()
	u := &User{
		ID:         idgen.New(idgen.User),
		Name:       name,
		Email:      email,
		Role:       role,
		KYCStatus:  KYCPending,
		ReferredBy: req.ReferredBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.accounts.OpenAccountFor(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("open wallet for %s: %w", u.ID, err)
	}
	s.logger.Info("user created", "user_id", u.ID, "role", u.Role)
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// SetKYCStatus records an admin's verification decision.
func (s *Service) SetKYCStatus(ctx context.Context, id string, status KYCStatus) (*User, error) {
	switch status {
	case KYCPending, KYCVerified, KYCRejected:
	default:
		return nil, ErrInvalidKYC
	}
	u, err := s.store.SetKYCStatus(ctx, id, status, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("kyc status updated", "user_id", id, "kyc_status", status)
	return u, nil
}

// IsKYCVerified reports whether the user passed identity verification.
func (s *Service) IsKYCVerified(ctx context.Context, id string) (bool, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return u.KYCStatus == KYCVerified, nil
}

// ApplyReferralDiscount returns amount reduced by the referral percentage
// when userID was referred and has not used the discount yet. The discount
// is consumed by this call; every later call returns amount unchanged.
func (s *Service) ApplyReferralDiscount(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	if !s.discountPercent.IsPositive() {
		return amount, false, nil
	}
	claimed, err := s.store.ClaimReferralDiscount(ctx, userID, s.now())
	if err != nil {
		return amount, false, err
	}
	if !claimed {
		return amount, false, nil
	}
	discounted := amount.Sub(money.Percent(amount, s.discountPercent))
	s.logger.Info("referral discount applied", "user_id", userID,
		"amount", money.Format(amount), "discounted", money.Format(discounted))
	return discounted, true, nil
}

// RestoreReferralDiscount gives back a discount taken by ApplyReferralDiscount
// when the purchase it was applied to could not be recorded.
func (s *Service) RestoreReferralDiscount(ctx context.Context, userID string) error {
	if err := s.store.ReturnReferralDiscount(ctx, userID, s.now()); err != nil {
		return err
	}
	s.logger.Info("referral discount restored", "user_id", userID)
	return nil
}

// EmailFor returns the user's email address.
func (s *Service) EmailFor(ctx context.Context, id string) (string, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Email, nil
}
