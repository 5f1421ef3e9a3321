package packages

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

// NewPostgresStore creates a new PostgreSQL-backed package store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const packageColumns = `id, sender_id, from_location, to_location, weight_kg, receiver_name,
	receiver_phone, value, description, image_url, created_at`

func (s *PostgresStore) Create(ctx context.Context, p *Package) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.SenderID, p.FromLocation, p.ToLocation, p.WeightKg, p.ReceiverName,
		p.ReceiverPhone, p.Value, p.Description, p.ImageURL, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ListBySender(ctx context.Context, senderID string, limit int) ([]*Package, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+packageColumns+` FROM packages
		WHERE sender_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, senderID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(row scanner) (*Package, error) {
	p := &Package{}
	err := row.Scan(&p.ID, &p.SenderID, &p.FromLocation, &p.ToLocation, &p.WeightKg, &p.ReceiverName,
		&p.ReceiverPhone, &p.Value, &p.Description, &p.ImageURL, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}
