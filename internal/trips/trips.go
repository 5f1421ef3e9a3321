// Package trips manages the journeys travelers offer luggage capacity on.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/idgen"
)

var (
	ErrNotFound             = errors.New("trip not found")
	ErrNotOwner             = errors.New("trip belongs to another traveler")
	ErrInvalidTrip          = errors.New("invalid trip")
	ErrInvalidRating        = errors.New("rating must be between 0 and 5")
	ErrInsufficientCapacity = errors.New("trip has insufficient capacity")
	ErrNotActive            = errors.New("trip is not active")
)

// Status of a trip.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Means is how the traveler moves.
type Means string

const (
	MeansAir  Means = "air"
	MeansRoad Means = "road"
	MeansSea  Means = "sea"
	MeansRail Means = "rail"
)

func validMeans(m Means) bool {
	switch m {
	case MeansAir, MeansRoad, MeansSea, MeansRail:
		return true
	}
	return false
}

// Review is one rating left on a trip. A user may review more than once.
type Review struct {
	UserID  string    `json:"userId"`
	Rating  int       `json:"rating"`
	Comment string    `json:"comment,omitempty"`
	Date    time.Time `json:"date"`
}

// Trip is a traveler's journey.
type Trip struct {
	ID            string          `json:"id"`
	TravelerID    string          `json:"travelerId"`
	FromLocation  string          `json:"fromLocation"`
	ToLocation    string          `json:"toLocation"`
	DepartureDate time.Time       `json:"departureDate"`
	ArrivalDate   time.Time       `json:"arrivalDate"`
	AvailableKg   decimal.Decimal `json:"availableKg"`
	TravelMeans   Means           `json:"travelMeans"`
	Status        Status          `json:"status"`
	Reviews       []Review        `json:"reviews"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// AverageRating returns the mean review rating rounded to 2 places, or 0.
func (t *Trip) AverageRating() decimal.Decimal {
	if len(t.Reviews) == 0 {
		return decimal.Zero
	}
	sum := 0
	for _, r := range t.Reviews {
		sum += r.Rating
	}
	return decimal.NewFromInt(int64(sum)).Div(decimal.NewFromInt(int64(len(t.Reviews)))).Round(2)
}

// Store persists trips.
type Store interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id string) (*Trip, error)
	ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Trip, error)
	// Mutate applies fn to the trip under an exclusive lock and persists the
	// result. Reviews are not written by Mutate.
	Mutate(ctx context.Context, id string, fn func(t *Trip) error) (*Trip, error)
	AddReview(ctx context.Context, id string, r Review) (*Trip, error)
}

// CreateRequest contains the parameters for offering a trip.
type CreateRequest struct {
	FromLocation  string    `json:"fromLocation" binding:"required"`
	ToLocation    string    `json:"toLocation" binding:"required"`
	DepartureDate time.Time `json:"departureDate" binding:"required"`
	ArrivalDate   time.Time `json:"arrivalDate" binding:"required"`
	AvailableKg   string    `json:"availableKg" binding:"required"`
	TravelMeans   string    `json:"travelMeans" binding:"required"`
}

// UpdateRequest replaces a trip's details. Status is optional.
type UpdateRequest struct {
	CreateRequest
	Status string `json:"status"`
}

// Service implements trip operations.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a trip service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

func (req CreateRequest) normalize() (Means, decimal.Decimal, error) {
	if strings.TrimSpace(req.FromLocation) == "" || strings.TrimSpace(req.ToLocation) == "" {
		return "", decimal.Zero, fmt.Errorf("%w: locations are required", ErrInvalidTrip)
	}
	if req.ArrivalDate.Before(req.DepartureDate) {
		return "", decimal.Zero, fmt.Errorf("%w: arrival before departure", ErrInvalidTrip)
	}
	means := Means(strings.ToLower(strings.TrimSpace(req.TravelMeans)))
	if !validMeans(means) {
		return "", decimal.Zero, fmt.Errorf("%w: unknown travel means %q", ErrInvalidTrip, req.TravelMeans)
	}
	kg, err := decimal.NewFromString(strings.TrimSpace(req.AvailableKg))
	if err != nil || !kg.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("%w: availableKg must be a positive number", ErrInvalidTrip)
	}
	return means, kg.Round(2), nil
}

// Create offers a new trip for travelerID.
func (s *Service) Create(ctx context.Context, travelerID string, req CreateRequest) (*Trip, error) {
	means, kg, err := req.normalize()
	if err != nil {
		return nil, err
	}
	now := s.now()
	t := &Trip{
		ID:            idgen.New(idgen.Trip),
		TravelerID:    travelerID,
		FromLocation:  strings.TrimSpace(req.FromLocation),
		ToLocation:    strings.TrimSpace(req.ToLocation),
		DepartureDate: req.DepartureDate,
		ArrivalDate:   req.ArrivalDate,
		AvailableKg:   kg,
		TravelMeans:   means,
		Status:        StatusActive,
		Reviews:       []Review{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("trip created", "trip_id", t.ID, "traveler_id", travelerID)
	return t, nil
}

// Get returns a trip by id.
func (s *Service) Get(ctx context.Context, id string) (*Trip, error) {
	return s.store.Get(ctx, id)
}

// ListByTraveler returns the traveler's trips, newest first.
func (s *Service) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Trip, error) {
	return s.store.ListByTraveler(ctx, travelerID, limit)
}

// Update replaces the trip's details. Only the traveler who owns it may.
func (s *Service) Update(ctx context.Context, id, actorID string, req UpdateRequest) (*Trip, error) {
	means, kg, err := req.normalize()
	if err != nil {
		return nil, err
	}
	status := Status(req.Status)
	switch status {
	case "", StatusActive, StatusCompleted, StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTrip, req.Status)
	}
	return s.store.Mutate(ctx, id, func(t *Trip) error {
		if t.TravelerID != actorID {
			return ErrNotOwner
		}
		t.FromLocation = strings.TrimSpace(req.FromLocation)
		t.ToLocation = strings.TrimSpace(req.ToLocation)
		t.DepartureDate = req.DepartureDate
		t.ArrivalDate = req.ArrivalDate
		t.AvailableKg = kg
		t.TravelMeans = means
		if status != "" {
			t.Status = status
		}
		t.UpdatedAt = s.now()
		return nil
	})
}

// AddReview appends a review. Reviews are additive.
func (s *Service) AddReview(ctx context.Context, id, userID string, rating int, comment string) (*Trip, error) {
	if rating < 0 || rating > 5 {
		return nil, ErrInvalidRating
	}
	return s.store.AddReview(ctx, id, Review{
		UserID:  userID,
		Rating:  rating,
		Comment: strings.TrimSpace(comment),
		Date:    s.now(),
	})
}

// Reserve takes kg of capacity from an active trip for a request.
func (s *Service) Reserve(ctx context.Context, id string, kg decimal.Decimal) error {
	_, err := s.store.Mutate(ctx, id, func(t *Trip) error {
		if t.Status != StatusActive {
			return ErrNotActive
		}
		if t.AvailableKg.LessThan(kg) {
			return ErrInsufficientCapacity
		}
		t.AvailableKg = t.AvailableKg.Sub(kg)
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("reserve %s kg on %s: %w", kg, id, err)
	}
	return nil
}

// Release returns kg of previously reserved capacity.
func (s *Service) Release(ctx context.Context, id string, kg decimal.Decimal) error {
	_, err := s.store.Mutate(ctx, id, func(t *Trip) error {
		t.AvailableKg = t.AvailableKg.Add(kg)
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s kg on %s: %w", kg, id, err)
	}
	return nil
}
