// Package escrow moves delivery-request funds through the traveler's escrow.
//
// Flow:
//  1. Payment confirmed → Hold: captured funds land in the traveler's escrow
//  2. Sender confirms receipt → Release: escrow → traveler's balance
//  3. Request cancelled → Remove: escrow debited, balance untouched
//
// The engine is stateless. Callers pass the request's current escrow State
// in a Claim and persist the State returned. Every ledger movement carries a
// per-request reference so a repeated call cannot move money twice.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/money"
)

var (
	ErrInvalidAmount   = errors.New("invalid escrow amount")
	ErrAlreadyCleared  = errors.New("escrow already cleared")
	ErrAlreadyReleased = errors.New("escrow already released")
	ErrDisputeOpen     = errors.New("an open dispute freezes this escrow")
	ErrNotReceived     = errors.New("sender has not confirmed receipt")
	ErrNotHeld         = errors.New("no escrow held for this request")
)

// State is the escrow record embedded in a delivery request.
type State struct {
	Held       bool            `json:"held"`
	Amount     decimal.Decimal `json:"amount"`
	Released   bool            `json:"released"`
	Cleared    bool            `json:"cleared"`
	HeldAt     *time.Time      `json:"heldAt,omitempty"`
	ReleasedAt *time.Time      `json:"releasedAt,omitempty"`
	ClearedAt  *time.Time      `json:"clearedAt,omitempty"`
}

// Settled reports whether the held funds have left escrow one way or the other.
func (s State) Settled() bool {
	return s.Released || s.Cleared
}

// Claim is everything the engine needs to know about one request.
type Claim struct {
	RequestID      string
	TravelerID     string
	Amount         decimal.Decimal // request amount plus insurance cost
	State          State
	DisputeOpen    bool
	SenderReceived bool
}

// LedgerService abstracts ledger operations so escrow doesn't import ledger.
// A movement whose reference was already recorded must report success.
type LedgerService interface {
	FundEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error
	ReleaseFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error
	RemoveFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error
}

// Engine implements the escrow rules.
type Engine struct {
	ledger LedgerService
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a new escrow engine.
func NewEngine(ledger LedgerService, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: ledger, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Hold places amount + insurance cost in the traveler's escrow.
// Holding an already-held request is a no-op.
func (e *Engine) Hold(ctx context.Context, c Claim) (State, error) {
	switch {
	case c.State.Released:
		return c.State, ErrAlreadyReleased
	case c.State.Cleared:
		return c.State, ErrAlreadyCleared
	case c.State.Held:
		observe("hold", "noop")
		return c.State, nil
	case !money.Positive(c.Amount):
		return c.State, ErrInvalidAmount
	}

	desc := "Escrow hold for request " + c.RequestID
	if err := e.ledger.FundEscrow(ctx, c.TravelerID, c.Amount, desc, HoldReference(c.RequestID)); err != nil {
		observe("hold", "error")
		return c.State, fmt.Errorf("hold escrow for %s: %w", c.RequestID, err)
	}

	now := e.now()
	st := c.State
	st.Held = true
	st.Amount = c.Amount
	st.HeldAt = &now
	observe("hold", "ok")
	e.logger.Info("escrow held", "request_id", c.RequestID, "traveler_id", c.TravelerID, "amount", money.Format(c.Amount))
	return st, nil
}

// Release pays the held amount out to the traveler's balance. It requires the
// sender's receipt confirmation and no open dispute.
func (e *Engine) Release(ctx context.Context, c Claim) (State, error) {
	switch {
	case c.DisputeOpen:
		observe("release", "blocked")
		return c.State, ErrDisputeOpen
	case c.State.Released:
		return c.State, ErrAlreadyReleased
	case c.State.Cleared:
		return c.State, ErrAlreadyCleared
	case !c.SenderReceived:
		return c.State, ErrNotReceived
	case !c.State.Held:
		return c.State, ErrNotHeld
	}

	desc := "Escrow release for request " + c.RequestID
	if err := e.ledger.ReleaseFromEscrow(ctx, c.TravelerID, c.State.Amount, desc, ReleaseReference(c.RequestID)); err != nil {
		observe("release", "error")
		return c.State, fmt.Errorf("release escrow for %s: %w", c.RequestID, err)
	}

	now := e.now()
	st := c.State
	st.Released = true
	st.ReleasedAt = &now
	observe("release", "ok")
	e.logger.Info("escrow released", "request_id", c.RequestID, "traveler_id", c.TravelerID, "amount", money.Format(st.Amount))
	return st, nil
}

// Remove takes the held amount out of the traveler's escrow on cancellation.
// Removing from a request that never held funds changes nothing. Held funds
// stay frozen while a dispute is open.
func (e *Engine) Remove(ctx context.Context, c Claim, reason string) (State, error) {
	switch {
	case c.State.Cleared:
		return c.State, ErrAlreadyCleared
	case c.State.Released:
		return c.State, ErrAlreadyReleased
	case c.DisputeOpen && c.State.Held:
		observe("remove", "blocked")
		return c.State, ErrDisputeOpen
	case !c.State.Held:
		observe("remove", "noop")
		return c.State, nil
	}

	desc := "Escrow removed for cancelled request " + c.RequestID
	if reason != "" {
		desc += ": " + reason
	}
	if err := e.ledger.RemoveFromEscrow(ctx, c.TravelerID, c.State.Amount, desc, RemoveReference(c.RequestID)); err != nil {
		observe("remove", "error")
		return c.State, fmt.Errorf("remove escrow for %s: %w", c.RequestID, err)
	}

	now := e.now()
	st := c.State
	st.Cleared = true
	st.ClearedAt = &now
	observe("remove", "ok")
	e.logger.Info("escrow removed", "request_id", c.RequestID, "traveler_id", c.TravelerID, "amount", money.Format(st.Amount))
	return st, nil
}

// Ledger references. Distinct per movement so the ledger's per-type
// reference uniqueness never collides between hold and release.
func HoldReference(requestID string) string    { return "hold:" + requestID }
func ReleaseReference(requestID string) string { return "release:" + requestID }
func RemoveReference(requestID string) string  { return "remove:" + requestID }
