package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Apply locks the account
// row with SELECT ... FOR UPDATE; CHECK constraints keep both books
// non-negative even if a caller bypasses Ledger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, escrow_balance, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	return p.GetAccount(ctx, userID)
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, escrow_balance, updated_at FROM accounts WHERE user_id = $1
	`, userID).Scan(&acct.Balance, &acct.EscrowBalance, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Apply(ctx context.Context, userID string, mut Mutation) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	acct := &Account{UserID: userID}
	err = tx.QueryRowContext(ctx, `
		SELECT balance, escrow_balance, updated_at FROM accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&acct.Balance, &acct.EscrowBalance, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	entries, err := mut(acct)
	if err != nil {
		return nil, err
	}
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $2, escrow_balance = $3, updated_at = $4
		WHERE user_id = $1
	`, userID, acct.Balance, acct.EscrowBalance, acct.UpdatedAt)
	if err != nil {
		return nil, mapPQError(err)
	}

	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, book, type, amount, description, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.ID, userID, string(e.Book), string(e.Type), e.Amount, e.Description, e.Reference, e.CreatedAt)
		if err != nil {
			return nil, mapPQError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}
	return acct, nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, book Book, limit int) ([]*Entry, error) {
	if _, err := p.GetAccount(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, book, type, amount, description, reference, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND book = $2
		ORDER BY seq DESC
		LIMIT $3
	`, userID, string(book), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Entry, 0)
	for rows.Next() {
		e := &Entry{}
		var b, t string
		if err := rows.Scan(&e.ID, &e.UserID, &b, &t, &e.Amount, &e.Description, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Book = Book(b)
		e.Type = EntryType(t)
		result = append(result, e)
	}
	return result, rows.Err()
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		return ErrDuplicateReference
	case "23514":
		if pqErr.Constraint == "chk_escrow_balance_nonneg" {
			return ErrInsufficientEscrow
		}
		return ErrInsufficientFunds
	}
	return err
}
