package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, name, email, role, kyc_status, COALESCE(referred_by, ''), has_used_referral_discount, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, kyc_status, referred_by, has_used_referral_discount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, u.ID, u.Name, u.Email, string(u.Role), string(u.KYCStatus), u.ReferredBy, u.HasUsedReferralDiscount, u.CreatedAt, u.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) SetKYCStatus(ctx context.Context, id string, status KYCStatus, at time.Time) (*User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `
		UPDATE users SET kyc_status = $2, updated_at = $3 WHERE id = $1
		RETURNING `+userColumns, id, string(status), at))
}

func (p *PostgresStore) ClaimReferralDiscount(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET has_used_referral_discount = TRUE, updated_at = $2
		WHERE id = $1 AND referred_by IS NOT NULL AND NOT has_used_referral_discount
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) ReturnReferralDiscount(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET has_used_referral_discount = FALSE, updated_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return err
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

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var role, kyc string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &kyc, &u.ReferredBy, &u.HasUsedReferralDiscount, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.KYCStatus = KYCStatus(kyc)
	return u, nil
}
