package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/ledger"
	"github.com/baggo/baggo/internal/logging"
)

// mockLedger tracks escrow per user and remembers references.
type mockLedger struct {
	mu      sync.Mutex
	escrow  map[string]decimal.Decimal
	balance map[string]decimal.Decimal
	calls   []string
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		escrow:  make(map[string]decimal.Decimal),
		balance: make(map[string]decimal.Decimal),
	}
}

func (m *mockLedger) FundEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "fund:"+reference)
	m.escrow[userID] = m.escrow[userID].Add(amount)
	return nil
}

func (m *mockLedger) ReleaseFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "release:"+reference)
	if m.escrow[userID].LessThan(amount) {
		return ledger.ErrInsufficientEscrow
	}
	m.escrow[userID] = m.escrow[userID].Sub(amount)
	m.balance[userID] = m.balance[userID].Add(amount)
	return nil
}

func (m *mockLedger) RemoveFromEscrow(ctx context.Context, userID string, amount decimal.Decimal, description, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "remove:"+reference)
	if m.escrow[userID].LessThan(amount) {
		return ledger.ErrInsufficientEscrow
	}
	m.escrow[userID] = m.escrow[userID].Sub(amount)
	return nil
}

// failingLedger fails every movement.
type failingLedger struct{ err error }

func (f failingLedger) FundEscrow(context.Context, string, decimal.Decimal, string, string) error {
	return f.err
}
func (f failingLedger) ReleaseFromEscrow(context.Context, string, decimal.Decimal, string, string) error {
	return f.err
}
func (f failingLedger) RemoveFromEscrow(context.Context, string, decimal.Decimal, string, string) error {
	return f.err
}

func claim(amount string) Claim {
	return Claim{
		RequestID:  "req_1",
		TravelerID: "usr_traveler",
		Amount:     decimal.RequireFromString(amount),
	}
}

func TestEscrow_HoldThenRelease(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())
	ctx := context.Background()

	c := claim("100")
	st, err := e.Hold(ctx, c)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !st.Held || !st.Amount.Equal(decimal.NewFromInt(100)) || st.HeldAt == nil {
		t.Fatalf("unexpected state after hold: %+v", st)
	}

	c.State = st
	c.SenderReceived = true
	st, err = e.Release(ctx, c)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !st.Released || st.Cleared {
		t.Fatalf("unexpected state after release: %+v", st)
	}
	if !ml.balance["usr_traveler"].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("traveler balance = %s, want 100", ml.balance["usr_traveler"])
	}
	if !ml.escrow["usr_traveler"].IsZero() {
		t.Fatalf("traveler escrow = %s, want 0", ml.escrow["usr_traveler"])
	}
}

func TestEscrow_HoldIsIdempotent(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())
	ctx := context.Background()

	c := claim("40")
	st, _ := e.Hold(ctx, c)
	c.State = st
	st2, err := e.Hold(ctx, c)
	if err != nil {
		t.Fatalf("second hold: %v", err)
	}
	if st2 != st {
		t.Fatalf("second hold changed state")
	}
	if len(ml.calls) != 1 {
		t.Fatalf("expected one ledger call, got %v", ml.calls)
	}
}

func TestEscrow_HoldRejectsBadAmount(t *testing.T) {
	e := NewEngine(newMockLedger(), logging.Discard())
	for _, amt := range []string{"0", "-1", "1.234"} {
		if _, err := e.Hold(context.Background(), claim(amt)); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestEscrow_ReleaseBlockedByDispute(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())
	ctx := context.Background()

	c := claim("80")
	c.State, _ = e.Hold(ctx, c)
	c.SenderReceived = true
	c.DisputeOpen = true

	st, err := e.Release(ctx, c)
	if !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
	if st.Released {
		t.Fatal("state must not change when release is blocked")
	}
	if !ml.escrow["usr_traveler"].Equal(decimal.NewFromInt(80)) {
		t.Fatal("escrow must stay held")
	}
}

func TestEscrow_ReleaseGuards(t *testing.T) {
	e := NewEngine(newMockLedger(), logging.Discard())
	ctx := context.Background()

	c := claim("10")
	c.State.Held = true
	c.State.Amount = decimal.NewFromInt(10)
	if _, err := e.Release(ctx, c); !errors.Is(err, ErrNotReceived) {
		t.Errorf("expected ErrNotReceived, got %v", err)
	}

	c = claim("10")
	c.SenderReceived = true
	if _, err := e.Release(ctx, c); !errors.Is(err, ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}

	c.State = State{Held: true, Released: true}
	if _, err := e.Release(ctx, c); !errors.Is(err, ErrAlreadyReleased) {
		t.Errorf("expected ErrAlreadyReleased, got %v", err)
	}

	c.State = State{Held: true, Cleared: true}
	if _, err := e.Release(ctx, c); !errors.Is(err, ErrAlreadyCleared) {
		t.Errorf("expected ErrAlreadyCleared, got %v", err)
	}
}

func TestEscrow_RemoveOnce(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())
	ctx := context.Background()

	c := claim("60")
	c.State, _ = e.Hold(ctx, c)

	st, err := e.Remove(ctx, c, "sender changed plans")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !st.Cleared || st.ClearedAt == nil {
		t.Fatalf("expected cleared state, got %+v", st)
	}
	if !ml.escrow["usr_traveler"].IsZero() || !ml.balance["usr_traveler"].IsZero() {
		t.Fatal("remove must debit escrow and leave balance untouched")
	}

	c.State = st
	if _, err := e.Remove(ctx, c, ""); !errors.Is(err, ErrAlreadyCleared) {
		t.Fatalf("expected ErrAlreadyCleared, got %v", err)
	}
}

func TestEscrow_RemoveBlockedByDispute(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())
	ctx := context.Background()

	c := claim("50")
	c.State, _ = e.Hold(ctx, c)
	c.DisputeOpen = true

	st, err := e.Remove(ctx, c, "sender cancelled")
	if !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
	if st.Cleared {
		t.Fatal("state must not change when removal is blocked")
	}
	if !ml.escrow["usr_traveler"].Equal(decimal.NewFromInt(50)) {
		t.Fatal("escrow must stay held")
	}
}

func TestEscrow_RemoveWithoutHoldIsNoop(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())

	st, err := e.Remove(context.Background(), claim("60"), "")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st.Cleared {
		t.Fatal("nothing was held, nothing should be cleared")
	}
	if len(ml.calls) != 0 {
		t.Fatalf("no ledger calls expected, got %v", ml.calls)
	}
}

func TestEscrow_LedgerFailureLeavesStateUntouched(t *testing.T) {
	boom := errors.New("database unavailable")
	e := NewEngine(failingLedger{err: boom}, logging.Discard())
	ctx := context.Background()

	st, err := e.Hold(ctx, claim("5"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ledger error, got %v", err)
	}
	if st.Held {
		t.Fatal("failed hold must not mark state held")
	}

	c := claim("5")
	c.State = State{Held: true, Amount: decimal.NewFromInt(5)}
	if st, err := e.Remove(ctx, c, ""); !errors.Is(err, boom) || st.Cleared {
		t.Fatalf("expected failed remove without state change, got %+v %v", st, err)
	}
}

func TestEscrow_RemovePropagatesInsufficientEscrow(t *testing.T) {
	ml := newMockLedger()
	e := NewEngine(ml, logging.Discard())

	c := claim("5")
	c.State = State{Held: true, Amount: decimal.NewFromInt(5)}
	if _, err := e.Remove(context.Background(), c, ""); !errors.Is(err, ledger.ErrInsufficientEscrow) {
		t.Fatalf("expected ErrInsufficientEscrow, got %v", err)
	}
}

// Against the real ledger: a hold whose state was lost after the ledger write
// is replayed without moving money twice.
func TestEscrow_ReplayAgainstLedger(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	if _, err := l.OpenAccount(ctx, "usr_traveler"); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(ledger.EscrowAccounts{Ledger: l}, logging.Discard())

	c := claim("120")
	if _, err := e.Hold(ctx, c); err != nil {
		t.Fatalf("hold: %v", err)
	}
	// c.State still says not held, as if the request update never landed
	st, err := e.Hold(ctx, c)
	if err != nil {
		t.Fatalf("replayed hold: %v", err)
	}
	if !st.Held {
		t.Fatal("replayed hold should report held")
	}

	acct, _ := l.GetAccount(ctx, "usr_traveler")
	if !acct.EscrowBalance.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("escrow = %s, want 120", acct.EscrowBalance)
	}
	if !acct.Balance.IsZero() {
		t.Fatalf("balance = %s, want 0", acct.Balance)
	}

	c.State = st
	c.SenderReceived = true
	if _, err := e.Release(ctx, c); err != nil {
		t.Fatalf("release: %v", err)
	}
	acct, _ = l.GetAccount(ctx, "usr_traveler")
	if !acct.Balance.Equal(decimal.NewFromInt(120)) || !acct.EscrowBalance.IsZero() {
		t.Fatalf("after release balance=%s escrow=%s", acct.Balance, acct.EscrowBalance)
	}
}
