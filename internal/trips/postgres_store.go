package trips

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trip store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tripColumns = `id, traveler_id, from_location, to_location, departure_date, arrival_date,
	available_kg, travel_means, status, created_at, updated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) Create(ctx context.Context, t *Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips (`+tripColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.TravelerID, t.FromLocation, t.ToLocation, t.DepartureDate, t.ArrivalDate,
		t.AvailableKg, string(t.TravelMeans), string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trip, error) {
	return p.load(ctx, p.db, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
}

func (p *PostgresStore) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Trip, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE traveler_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, travelerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range result {
		if t.Reviews, err = p.reviews(ctx, p.db, t.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(t *Trip) error) (*Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := p.load(ctx, tx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE trips SET from_location = $2, to_location = $3, departure_date = $4, arrival_date = $5,
			available_kg = $6, travel_means = $7, status = $8, updated_at = $9
		WHERE id = $1
	`, t.ID, t.FromLocation, t.ToLocation, t.DepartureDate, t.ArrivalDate,
		t.AvailableKg, string(t.TravelMeans), string(t.Status), t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update trip: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) AddReview(ctx context.Context, id string, r Review) (*Trip, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO trip_reviews (trip_id, user_id, rating, comment, created_at)
		SELECT id, $2, $3, $4, $5 FROM trips WHERE id = $1
	`, id, r.UserID, r.Rating, r.Comment, r.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to add review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return p.Get(ctx, id)
}

func (p *PostgresStore) load(ctx context.Context, q querier, query string, id string) (*Trip, error) {
	t, err := scanTrip(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Reviews, err = p.reviews(ctx, q, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) reviews(ctx context.Context, q querier, tripID string) ([]Review, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, rating, comment, created_at FROM trip_reviews
		WHERE trip_id = $1 ORDER BY id
	`, tripID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	reviews := []Review{}
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.UserID, &r.Rating, &r.Comment, &r.Date); err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(row scanner) (*Trip, error) {
	t := &Trip{}
	var means, status string
	if err := row.Scan(&t.ID, &t.TravelerID, &t.FromLocation, &t.ToLocation, &t.DepartureDate,
		&t.ArrivalDate, &t.AvailableKg, &means, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.TravelMeans = Means(means)
	t.Status = Status(status)
	return t, nil
}
