// Package packages stores the parcels senders ask travelers to carry.
package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/idgen"
	"github.com/baggo/baggo/internal/money"
)

var (
	ErrNotFound       = errors.New("package not found")
	ErrInvalidPackage = errors.New("invalid package")
)

// Package is a parcel. Packages are immutable once created.
type Package struct {
	ID            string          `json:"id"`
	SenderID      string          `json:"senderId"`
	FromLocation  string          `json:"fromLocation"`
	ToLocation    string          `json:"toLocation"`
	WeightKg      decimal.Decimal `json:"weightKg"`
	ReceiverName  string          `json:"receiverName"`
	ReceiverPhone string          `json:"receiverPhone"`
	Value         decimal.Decimal `json:"value"`
	Description   string          `json:"description,omitempty"`
	ImageURL      string          `json:"imageUrl,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Store persists packages.
type Store interface {
	Create(ctx context.Context, p *Package) error
	Get(ctx context.Context, id string) (*Package, error)
	ListBySender(ctx context.Context, senderID string, limit int) ([]*Package, error)
}

// CreateRequest contains the parameters for registering a package.
type CreateRequest struct {
	FromLocation  string `json:"fromLocation" binding:"required"`
	ToLocation    string `json:"toLocation" binding:"required"`
	WeightKg      string `json:"weightKg" binding:"required"`
	ReceiverName  string `json:"receiverName" binding:"required"`
	ReceiverPhone string `json:"receiverPhone" binding:"required"`
	Value         string `json:"value"`
	Description   string `json:"description"`
	ImageURL      string `json:"imageUrl"`
}

// Service implements package operations.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a package service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Create registers a package owned by senderID.
func (s *Service) Create(ctx context.Context, senderID string, req CreateRequest) (*Package, error) {
	weight, err := decimal.NewFromString(strings.TrimSpace(req.WeightKg))
	if err != nil || !weight.IsPositive() {
		return nil, fmt.Errorf("%w: weightKg must be a positive number", ErrInvalidPackage)
	}
	value, err := money.Parse(req.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrInvalidPackage, err)
	}
	for field, v := range map[string]string{
		"fromLocation":  req.FromLocation,
		"toLocation":    req.ToLocation,
		"receiverName":  req.ReceiverName,
		"receiverPhone": req.ReceiverPhone,
	} {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidPackage, field)
		}
	}

	p := &Package{
		ID:            idgen.New(idgen.Package),
		SenderID:      senderID,
		FromLocation:  strings.TrimSpace(req.FromLocation),
		ToLocation:    strings.TrimSpace(req.ToLocation),
		WeightKg:      weight.Round(2),
		ReceiverName:  strings.TrimSpace(req.ReceiverName),
		ReceiverPhone: strings.TrimSpace(req.ReceiverPhone),
		Value:         value,
		Description:   strings.TrimSpace(req.Description),
		ImageURL:      strings.TrimSpace(req.ImageURL),
		CreatedAt:     s.now(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("package created", "package_id", p.ID, "sender_id", senderID)
	return p, nil
}

// Get returns a package by id.
func (s *Service) Get(ctx context.Context, id string) (*Package, error) {
	return s.store.Get(ctx, id)
}

// ListBySender returns the sender's packages, newest first.
func (s *Service) ListBySender(ctx context.Context, senderID string, limit int) ([]*Package, error) {
	return s.store.ListBySender(ctx, senderID, limit)
}
