// Package ledger tracks user balances and escrow balances.
//
// Every user has one Account with two books:
//   - balance: spendable funds (add, withdraw, deposit, withdrawal entries)
//   - escrow:  funds held against delivery requests (escrow_hold,
//     escrow_release, escrow_removed entries)
//
// All balance changes go through Store.Apply, which runs a mutation against a
// locked copy of the account and persists balances and entries together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/idgen"
	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/traces"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	ErrAccountNotFound    = errors.New("account not found")
	ErrDuplicateReference = errors.New("entry with this reference already recorded")
)

// Book is one of the two balances an account carries.
type Book string

const (
	BookBalance Book = "balance"
	BookEscrow  Book = "escrow"
)

// EntryType labels a history entry.
type EntryType string

const (
	EntryAdd           EntryType = "add"
	EntryWithdraw      EntryType = "withdraw"
	EntryDeposit       EntryType = "deposit"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryEscrowHold    EntryType = "escrow_hold"
	EntryEscrowRelease EntryType = "escrow_release"
	EntryEscrowRemoved EntryType = "escrow_removed"
)

// Account is a user's wallet.
type Account struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	EscrowBalance decimal.Decimal `json:"escrowBalance"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Entry is one append-only history record.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Book        Book            `json:"book"`
	Type        EntryType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Mutation changes acct in place and returns the entries describing the change.
// Returning an error aborts without writing anything.
type Mutation func(acct *Account) ([]*Entry, error)

// Store persists accounts and entries.
//
// Apply must serialize mutations per user, reject an entry whose non-empty
// reference was already recorded for the same user and entry type with
// ErrDuplicateReference, and write nothing unless everything succeeds.
type Store interface {
	OpenAccount(ctx context.Context, userID string) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	Apply(ctx context.Context, userID string, m Mutation) (*Account, error)
	History(ctx context.Context, userID string, book Book, limit int) ([]*Entry, error)
}

// Ledger manages user balances
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// OpenAccount creates a zero account for userID. Opening twice is a no-op.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	return l.store.OpenAccount(ctx, userID)
}

// GetAccount returns the user's balances.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// History returns the newest entries of one book, newest first.
func (l *Ledger) History(ctx context.Context, userID string, book Book, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, book, limit)
}

// Credit adds funds to the user's balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*Account, error) {
	return l.apply(ctx, "credit", userID, amount, func(a *Account) ([]*Entry, error) {
		a.Balance = a.Balance.Add(amount)
		return []*Entry{l.entry(a, BookBalance, EntryAdd, amount, description, "")}, nil
	})
}

// Debit removes funds from the user's balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*Account, error) {
	return l.apply(ctx, "debit", userID, amount, func(a *Account) ([]*Entry, error) {
		if a.Balance.LessThan(amount) {
			return nil, ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(amount)
		return []*Entry{l.entry(a, BookBalance, EntryWithdraw, amount, description, "")}, nil
	})
}

// MoveToEscrow moves funds from the user's balance into their escrow.
func (l *Ledger) MoveToEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) (*Account, error) {
	return l.apply(ctx, "move_to_escrow", userID, amount, func(a *Account) ([]*Entry, error) {
		if a.Balance.LessThan(amount) {
			return nil, ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(amount)
		a.EscrowBalance = a.EscrowBalance.Add(amount)
		return []*Entry{
			l.entry(a, BookBalance, EntryWithdrawal, amount, description, reference),
			l.entry(a, BookEscrow, EntryEscrowHold, amount, description, reference),
		}, nil
	})
}

// FundEscrow records externally captured funds straight into the user's
// escrow. The balance book shows the deposit and the matching withdrawal, so
// the spendable balance is unchanged.
func (l *Ledger) FundEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) (*Account, error) {
	return l.apply(ctx, "fund_escrow", userID, amount, func(a *Account) ([]*Entry, error) {
		a.EscrowBalance = a.EscrowBalance.Add(amount)
		return []*Entry{
			l.entry(a, BookBalance, EntryDeposit, amount, description, reference),
			l.entry(a, BookBalance, EntryWithdrawal, amount, description, reference),
			l.entry(a, BookEscrow, EntryEscrowHold, amount, description, reference),
		}, nil
	})
}

// ReleaseFromEscrow moves funds from the user's escrow to their balance.
func (l *Ledger) ReleaseFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) (*Account, error) {
	return l.apply(ctx, "release_from_escrow", userID, amount, func(a *Account) ([]*Entry, error) {
		if a.EscrowBalance.LessThan(amount) {
			return nil, ErrInsufficientEscrow
		}
		a.EscrowBalance = a.EscrowBalance.Sub(amount)
		a.Balance = a.Balance.Add(amount)
		return []*Entry{
			l.entry(a, BookEscrow, EntryEscrowRelease, amount, description, reference),
			l.entry(a, BookBalance, EntryDeposit, amount, description, reference),
		}, nil
	})
}

// RemoveFromEscrow debits the user's escrow without touching their balance.
func (l *Ledger) RemoveFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) (*Account, error) {
	return l.apply(ctx, "remove_from_escrow", userID, amount, func(a *Account) ([]*Entry, error) {
		if a.EscrowBalance.LessThan(amount) {
			return nil, ErrInsufficientEscrow
		}
		a.EscrowBalance = a.EscrowBalance.Sub(amount)
		return []*Entry{l.entry(a, BookEscrow, EntryEscrowRemoved, amount, description, reference)}, nil
	})
}

func (l *Ledger) apply(ctx context.Context, op, userID string, amount decimal.Decimal, m Mutation) (*Account, error) {
	done := observeOp(op)
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.UserID(userID), traces.Amount(money.Format(amount)))
	acct, err := l.doApply(ctx, userID, amount, m)
	traces.End(span, err)
	if err != nil {
		observeFailure(op, err)
	}
	return acct, err
}

func (l *Ledger) doApply(ctx context.Context, userID string, amount decimal.Decimal, m Mutation) (*Account, error) {
	if !money.Positive(amount) {
		return nil, ErrInvalidAmount
	}
	acct, err := l.store.Apply(ctx, userID, m)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", userID, err)
	}
	return acct, nil
}

func (l *Ledger) entry(a *Account, book Book, typ EntryType, amount decimal.Decimal, description, reference string) *Entry {
	now := l.now()
	a.UpdatedAt = now
	return &Entry{
		ID:          idgen.New(idgen.Entry),
		UserID:      a.UserID,
		Book:        book,
		Type:        typ,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		CreatedAt:   now,
	}
}

// EscrowAccounts exposes the ledger's escrow movements to the escrow engine.
// A movement whose reference was already recorded has happened before, so it
// reports success instead of ErrDuplicateReference.
type EscrowAccounts struct {
	Ledger *Ledger
}

func (a EscrowAccounts) FundEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error {
	_, err := a.Ledger.FundEscrow(ctx, userID, amount, description, reference)
	return ignoreDuplicate(err)
}

func (a EscrowAccounts) ReleaseFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error {
	_, err := a.Ledger.ReleaseFromEscrow(ctx, userID, amount, description, reference)
	return ignoreDuplicate(err)
}

func (a EscrowAccounts) RemoveFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error {
	_, err := a.Ledger.RemoveFromEscrow(ctx, userID, amount, description, reference)
	return ignoreDuplicate(err)
}

func ignoreDuplicate(err error) error {
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

// OpenAccountFor opens a wallet for a newly registered user.
func (l *Ledger) OpenAccountFor(ctx context.Context, userID string) error {
	_, err := l.store.OpenAccount(ctx, userID)
	return err
}
