package refunds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/baggo/baggo/internal/requests"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, request_id, user_id, provider, external_reference, amount, reason,
	status, provider_refund_id, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *Refund) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.RequestID, r.UserID, string(r.Provider), r.ExternalReference, r.Amount, r.Reason,
		string(r.Status), r.ProviderRefundID, r.CreatedAt, r.UpdatedAt)
	return mapPQError(err)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Refund, error) {
	r, err := scanRefund(s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) Update(ctx context.Context, r *Refund) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refunds SET status = $2, provider_refund_id = $3, updated_at = $4
		WHERE id = $1
	`, r.ID, string(r.Status), r.ProviderRefundID, r.UpdatedAt)
	if err != nil {
		return mapPQError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Refund, error) {
	return s.query(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limitOr(limit))
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Refund, error) {
	return s.query(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limitOr(limit))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Refund, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRefund(sc scanner) (*Refund, error) {
	var (
		r        Refund
		provider string
		status   string
	)
	err := sc.Scan(&r.ID, &r.RequestID, &r.UserID, &provider, &r.ExternalReference, &r.Amount, &r.Reason,
		&status, &r.ProviderRefundID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Provider = requests.PaymentMethod(provider)
	r.Status = Status(status)
	return &r, nil
}

func limitOr(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyRequested
	}
	return fmt.Errorf("refund store: %w", err)
}
