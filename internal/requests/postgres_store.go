package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/dispute"
)

// PostgresStore implements Store with PostgreSQL. The dispute and the
// movement log live in JSONB columns; everything else is a plain column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, sender_id, traveler_id, package_id, trip_id, amount, insurance, insurance_cost,
	discount, status, payment_method, payment_reference, payment_status, payment_updated_at,
	sender_received, escrow_held, escrow_amount, escrow_released, escrow_cleared,
	escrow_held_at, escrow_released_at, escrow_cleared_at, reserved_kg, dispute, movement_tracking,
	cancel_reason, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	disp, moves, err := encodeJSON(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`, r.ID, r.SenderID, r.TravelerID, r.PackageID, r.TripID, r.Amount, r.Insurance, insuranceCost(r),
		r.Discount, string(r.Status), string(r.Payment.Method), r.Payment.Reference, string(r.Payment.Status),
		r.Payment.UpdatedAt, r.SenderReceived, r.Escrow.Held, r.Escrow.Amount, r.Escrow.Released,
		r.Escrow.Cleared, r.Escrow.HeldAt, r.Escrow.ReleasedAt, r.Escrow.ClearedAt, r.ReservedKg,
		disp, moves, r.CancelReason, r.Version, r.CreatedAt, r.UpdatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	return p.one(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
}

func (p *PostgresStore) GetByPaymentReference(ctx context.Context, reference string) (*Request, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	return p.one(ctx, `SELECT `+requestColumns+` FROM requests WHERE payment_reference = $1`, reference)
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	disp, moves, err := encodeJSON(r)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests SET
			amount = $3, insurance = $4, insurance_cost = $5, discount = $6, status = $7,
			payment_method = $8, payment_reference = $9, payment_status = $10, payment_updated_at = $11,
			sender_received = $12, escrow_held = $13, escrow_amount = $14, escrow_released = $15,
			escrow_cleared = $16, escrow_held_at = $17, escrow_released_at = $18, escrow_cleared_at = $19,
			reserved_kg = $20, dispute = $21, movement_tracking = $22, cancel_reason = $23,
			updated_at = $24, version = version + 1
		WHERE id = $1 AND version = $2
	`, r.ID, r.Version, r.Amount, r.Insurance, insuranceCost(r), r.Discount, string(r.Status),
		string(r.Payment.Method), r.Payment.Reference, string(r.Payment.Status), r.Payment.UpdatedAt,
		r.SenderReceived, r.Escrow.Held, r.Escrow.Amount, r.Escrow.Released, r.Escrow.Cleared,
		r.Escrow.HeldAt, r.Escrow.ReleasedAt, r.Escrow.ClearedAt, r.ReservedKg, disp, moves,
		r.CancelReason, r.UpdatedAt)
	if err != nil {
		return mapPQError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListBySender(ctx context.Context, senderID string, limit int) ([]*Request, error) {
	return p.many(ctx, `SELECT `+requestColumns+` FROM requests WHERE sender_id = $1
		ORDER BY created_at DESC LIMIT $2`, senderID, limitOr(limit))
}

func (p *PostgresStore) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Request, error) {
	return p.many(ctx, `SELECT `+requestColumns+` FROM requests WHERE traveler_id = $1
		ORDER BY created_at DESC LIMIT $2`, travelerID, limitOr(limit))
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]*Request, error) {
	if status == "" {
		return p.many(ctx, `SELECT `+requestColumns+` FROM requests WHERE dispute IS NOT NULL
			ORDER BY created_at DESC LIMIT $1`, limitOr(limit))
	}
	return p.many(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE dispute IS NOT NULL AND dispute->>'status' = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limitOr(limit))
}

func (p *PostgresStore) one(ctx context.Context, query string, args ...any) (*Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) many(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
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

func scanRequest(row scanner) (*Request, error) {
	r := &Request{}
	var (
		cost                          decimal.Decimal
		status, method, paymentStatus string
		paymentUpdated                sql.NullTime
		heldAt, releasedAt, clearedAt sql.NullTime
		disp, moves                   []byte
	)
	err := row.Scan(&r.ID, &r.SenderID, &r.TravelerID, &r.PackageID, &r.TripID, &r.Amount, &r.Insurance, &cost,
		&r.Discount, &status, &method, &r.Payment.Reference, &paymentStatus, &paymentUpdated,
		&r.SenderReceived, &r.Escrow.Held, &r.Escrow.Amount, &r.Escrow.Released, &r.Escrow.Cleared,
		&heldAt, &releasedAt, &clearedAt, &r.ReservedKg, &disp, &moves,
		&r.CancelReason, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.Payment.Method = PaymentMethod(method)
	r.Payment.Status = PaymentStatus(paymentStatus)
	r.Payment.UpdatedAt = timePtr(paymentUpdated)
	r.Escrow.HeldAt = timePtr(heldAt)
	r.Escrow.ReleasedAt = timePtr(releasedAt)
	r.Escrow.ClearedAt = timePtr(clearedAt)
	r.EscrowCleared = r.Escrow.Cleared
	if r.Insurance {
		r.InsuranceCost = &cost
	}
	if len(disp) > 0 {
		r.Dispute = &dispute.Dispute{}
		if err := json.Unmarshal(disp, r.Dispute); err != nil {
			return nil, fmt.Errorf("decode dispute of %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal(moves, &r.MovementTracking); err != nil {
		return nil, fmt.Errorf("decode movements of %s: %w", r.ID, err)
	}
	return r, nil
}

// encodeJSON renders the JSONB columns. A missing dispute is SQL NULL.
func encodeJSON(r *Request) (disp any, moves string, err error) {
	if r.Dispute != nil {
		b, err := json.Marshal(r.Dispute)
		if err != nil {
			return nil, "", err
		}
		disp = string(b)
	}
	tracking := r.MovementTracking
	if tracking == nil {
		tracking = []Movement{}
	}
	b, err := json.Marshal(tracking)
	if err != nil {
		return nil, "", err
	}
	return disp, string(b), nil
}

func insuranceCost(r *Request) decimal.Decimal {
	if r.InsuranceCost == nil {
		return decimal.Zero
	}
	return *r.InsuranceCost
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
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
		return ErrDuplicateReference
	}
	return fmt.Errorf("request store: %w", err)
}
