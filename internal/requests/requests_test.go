package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baggo/baggo/internal/dispute"
	"github.com/baggo/baggo/internal/escrow"
	"github.com/baggo/baggo/internal/ledger"
	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/notify"
	"github.com/baggo/baggo/internal/packages"
	"github.com/baggo/baggo/internal/trips"
	"github.com/baggo/baggo/internal/users"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

// tick is a clock that advances one second per reading.
type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tick) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *ledger.Ledger
	users    *users.Service
	trips    *trips.Service
	packages *packages.Service
	notes    *recordingNotifier

	sender   *users.User
	traveler *users.User
	pkg      *packages.Package
	trip     *trips.Trip
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	l := ledger.New(ledger.NewMemoryStore())
	us := users.NewService(users.NewMemoryStore(), l, decimal.NewFromInt(3), logging.Discard())
	ps := packages.NewService(packages.NewMemoryStore(), logging.Discard())
	ts := trips.NewService(trips.NewMemoryStore(), logging.Discard())

	sender, err := us.Create(ctx, users.CreateRequest{Name: "Ada", Email: "ada@example.com"}, users.RoleUser)
	require.NoError(t, err)
	traveler, err := us.Create(ctx, users.CreateRequest{Name: "Tunde", Email: "tunde@example.com"}, users.RoleUser)
	require.NoError(t, err)
	_, err = us.SetKYCStatus(ctx, traveler.ID, users.KYCVerified)
	require.NoError(t, err)

	pkg, err := ps.Create(ctx, sender.ID, packages.CreateRequest{
		FromLocation:  "Lagos",
		ToLocation:    "London",
		WeightKg:      "4",
		ReceiverName:  "Bola",
		ReceiverPhone: "+447700900000",
		Value:         "200",
	})
	require.NoError(t, err)
	departure := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	trip, err := ts.Create(ctx, traveler.ID, trips.CreateRequest{
		FromLocation:  "Lagos",
		ToLocation:    "London",
		DepartureDate: departure,
		ArrivalDate:   departure.Add(7 * time.Hour),
		AvailableKg:   "10",
		TravelMeans:   "air",
	})
	require.NoError(t, err)

	notes := &recordingNotifier{}
	store := NewMemoryStore()
	engine := escrow.NewEngine(ledger.EscrowAccounts{Ledger: l}, logging.Discard())
	svc := NewService(store, engine, Collaborators{
		Users:    us,
		Packages: ps,
		Trips:    ts,
		Notifier: notes,
	}, logging.Discard())
	svc.WithClock((&tick{t: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}).now)

	return &fixture{
		svc: svc, store: store, ledger: l, users: us, trips: ts, packages: ps, notes: notes,
		sender: sender, traveler: traveler, pkg: pkg, trip: trip,
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) senderActor() Actor   { return Actor{ID: f.sender.ID} }
func (f *fixture) travelerActor() Actor { return Actor{ID: f.traveler.ID} }

func (f *fixture) create(t *testing.T, amount string) *Request {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateInput{
		SenderID:   f.sender.ID,
		TravelerID: f.traveler.ID,
		PackageID:  f.pkg.ID,
		TripID:     f.trip.ID,
		Amount:     d(amount),
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) pay(t *testing.T, r *Request) string {
	t.Helper()
	ctx := context.Background()
	ref := "pi_" + r.ID
	_, err := f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodStripe, ref)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, ref, PaymentPaid)
	require.NoError(t, err)
	return ref
}

func (f *fixture) advance(t *testing.T, id string, statuses ...Status) *Request {
	t.Helper()
	var r *Request
	for _, s := range statuses {
		var err error
		r, err = f.svc.Transition(context.Background(), id, f.travelerActor(), TransitionInput{Status: string(s)})
		require.NoError(t, err, "transition to %s", s)
	}
	return r
}

func (f *fixture) account(t *testing.T, userID string) *ledger.Account {
	t.Helper()
	a, err := f.ledger.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return a
}

func assertSameBalances(t *testing.T, want, got *ledger.Account) {
	t.Helper()
	assert.True(t, want.Balance.Equal(got.Balance), "balance %s != %s", want.Balance, got.Balance)
	assert.True(t, want.EscrowBalance.Equal(got.EscrowBalance), "escrow %s != %s", want.EscrowBalance, got.EscrowBalance)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := CreateInput{SenderID: f.sender.ID, TravelerID: f.traveler.ID, PackageID: f.pkg.ID, Amount: d("50")}

	tests := []struct {
		name   string
		mutate func(in *CreateInput)
		want   error
	}{
		{"zero amount", func(in *CreateInput) { in.Amount = decimal.Zero }, ErrInvalidAmount},
		{"fractional cents", func(in *CreateInput) { in.Amount = d("1.005") }, ErrInvalidAmount},
		{"insurance without cost", func(in *CreateInput) { in.Insurance = true }, ErrInvalidRequest},
		{"cost without insurance", func(in *CreateInput) { in.InsuranceCost = d("5") }, ErrInvalidRequest},
		{"self delivery", func(in *CreateInput) { in.TravelerID = in.SenderID }, ErrInvalidRequest},
		{"unknown traveler", func(in *CreateInput) { in.TravelerID = "usr_ghost" }, users.ErrNotFound},
		{"unknown package", func(in *CreateInput) { in.PackageID = "pkg_ghost" }, packages.ErrNotFound},
		{"foreign package", func(in *CreateInput) { in.SenderID = f.traveler.ID; in.TravelerID = f.sender.ID }, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := f.svc.Create(ctx, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_InitialState(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(context.Background(), CreateInput{
		SenderID:      f.sender.ID,
		TravelerID:    f.traveler.ID,
		PackageID:     f.pkg.ID,
		Amount:        d("50"),
		Insurance:     true,
		InsuranceCost: d("5"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, PaymentUnpaid, r.Payment.Status)
	assert.False(t, r.Escrow.Held)
	assert.False(t, r.SenderReceived)
	assert.True(t, r.EscrowAmount().Equal(d("55")))
	require.Len(t, r.MovementTracking, 1)
	assert.Equal(t, StatusPending, r.MovementTracking[0].Status)
	assert.Equal(t, []notify.EventType{notify.RequestCreated}, f.notes.types())
}

func TestCreate_ReferralDiscountAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referred, err := f.users.Create(ctx, users.CreateRequest{
		Name: "Chi", Email: "chi@example.com", ReferredBy: f.sender.ID,
	}, users.RoleUser)
	require.NoError(t, err)
	pkg, err := f.packages.Create(ctx, referred.ID, packages.CreateRequest{
		FromLocation: "Accra", ToLocation: "Paris", WeightKg: "1", ReceiverName: "Eli", ReceiverPhone: "+33600000000",
	})
	require.NoError(t, err)

	in := CreateInput{SenderID: referred.ID, TravelerID: f.traveler.ID, PackageID: pkg.ID, Amount: d("100")}
	first, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.Amount.Equal(d("97")), first.Amount.String())
	assert.True(t, first.Discount.Equal(d("3")))

	second, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Amount.Equal(d("100")))
	assert.True(t, second.Discount.IsZero())
}

// failingCreateStore refuses to persist new requests.
type failingCreateStore struct {
	*MemoryStore
}

func (failingCreateStore) Create(ctx context.Context, r *Request) error {
	return errors.New("disk full")
}

// A request that could not be stored leaves the sender's discount unused.
func TestCreate_StoreFailureKeepsReferralDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referred, err := f.users.Create(ctx, users.CreateRequest{
		Name: "Chi", Email: "chi@example.com", ReferredBy: f.sender.ID,
	}, users.RoleUser)
	require.NoError(t, err)
	pkg, err := f.packages.Create(ctx, referred.ID, packages.CreateRequest{
		FromLocation: "Accra", ToLocation: "Paris", WeightKg: "1", ReceiverName: "Eli", ReceiverPhone: "+33600000000",
	})
	require.NoError(t, err)

	broken := NewService(failingCreateStore{NewMemoryStore()}, f.svc.engine, Collaborators{
		Users: f.users, Packages: f.packages, Trips: f.trips,
	}, logging.Discard())
	in := CreateInput{SenderID: referred.ID, TravelerID: f.traveler.ID, PackageID: pkg.ID, Amount: d("100")}
	_, err = broken.Create(ctx, in)
	require.Error(t, err)

	u, err := f.users.Get(ctx, referred.ID)
	require.NoError(t, err)
	assert.False(t, u.HasUsedReferralDiscount)

	r, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.True(t, r.Amount.Equal(d("97")), r.Amount.String())
}

// Payment holds escrow, cancellation removes it, a second cancel fails.
func TestPaymentHoldThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.account(t, f.traveler.ID)

	r := f.create(t, "50")
	f.pay(t, r)

	held := f.account(t, f.traveler.ID)
	assert.True(t, held.EscrowBalance.Equal(before.EscrowBalance.Add(d("50"))))
	assert.True(t, held.Balance.Equal(before.Balance))

	cancelled, err := f.svc.Cancel(ctx, r.ID, f.senderActor(), "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.EscrowCleared)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)

	after := f.account(t, f.traveler.ID)
	assert.True(t, after.EscrowBalance.Equal(before.EscrowBalance))

	_, err = f.svc.Cancel(ctx, r.ID, f.senderActor(), "again")
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	assert.True(t, f.account(t, f.traveler.ID).EscrowBalance.Equal(before.EscrowBalance))
}

// The sender's confirmation releases escrow into the traveler's balance.
func TestConfirmReceived_ReleasesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t, "50")
	f.advance(t, r.ID, StatusAccepted)
	f.pay(t, r)
	f.advance(t, r.ID, StatusPickedUp, StatusInTransit, StatusDelivering)
	before := f.account(t, f.traveler.ID)

	done, err := f.svc.ConfirmReceived(ctx, r.ID, f.senderActor())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.True(t, done.SenderReceived)
	assert.True(t, done.Escrow.Released)

	after := f.account(t, f.traveler.ID)
	assert.True(t, after.EscrowBalance.Equal(before.EscrowBalance.Sub(d("50"))))
	assert.True(t, after.Balance.Equal(before.Balance.Add(d("50"))))

	var trail []Status
	for _, m := range done.MovementTracking {
		trail = append(trail, m.Status)
	}
	assert.Equal(t, []Status{StatusPending, StatusAccepted, StatusPickedUp, StatusInTransit,
		StatusDelivering, StatusCompleted}, trail)

	again, err := f.svc.ConfirmReceived(ctx, r.ID, f.senderActor())
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)
	assert.True(t, f.account(t, f.traveler.ID).Balance.Equal(after.Balance))
}

func TestConfirmReceived_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")

	_, err := f.svc.ConfirmReceived(ctx, r.ID, f.travelerActor())
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ConfirmReceived(ctx, r.ID, f.senderActor())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.ConfirmReceived(ctx, "req_missing", f.senderActor())
	assert.ErrorIs(t, err, ErrNotFound)
}

// An open dispute blocks release until an admin resolves it.
func TestDisputeBlocksRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t, "50")
	f.advance(t, r.ID, StatusAccepted)
	f.pay(t, r)
	f.advance(t, r.ID, StatusPickedUp)

	d1, err := f.svc.RaiseDispute(ctx, r.ID, f.senderActor(), "box arrived damaged")
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusOpen, d1.Status)

	_, err = f.svc.RaiseDispute(ctx, r.ID, f.travelerActor(), "me too")
	assert.ErrorIs(t, err, dispute.ErrDisputeAlreadyExists)

	before := f.account(t, f.traveler.ID)
	_, err = f.svc.ConfirmReceived(ctx, r.ID, f.senderActor())
	require.ErrorIs(t, err, ErrDisputeOpen)
	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPickedUp, stored.Status)
	assert.False(t, stored.SenderReceived)

	resolved, err := f.svc.ResolveDispute(ctx, r.ID, "usr_admin", "resolved", "partial damage accepted")
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.True(t, f.account(t, f.traveler.ID).Balance.Equal(before.Balance), "resolution moves no money")

	_, err = f.svc.ResolveDispute(ctx, r.ID, "usr_admin", "rejected", "")
	assert.ErrorIs(t, err, dispute.ErrDisputeNotOpen)

	done, err := f.svc.ConfirmReceived(ctx, r.ID, f.senderActor())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	list, err := f.svc.ListDisputes(ctx, dispute.StatusResolved, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.ID, list[0].ID)
}

// Neither party can cancel their way out of an open dispute.
func TestDisputeBlocksCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t, "50")
	f.advance(t, r.ID, StatusAccepted)
	f.pay(t, r)
	f.advance(t, r.ID, StatusPickedUp)
	held := f.account(t, f.traveler.ID)

	_, err := f.svc.RaiseDispute(ctx, r.ID, f.travelerActor(), "sender is unreachable")
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, r.ID, f.senderActor(), "forget it")
	require.ErrorIs(t, err, ErrDisputeOpen)
	_, err = f.svc.Cancel(ctx, r.ID, Actor{ID: "usr_admin", Admin: true}, "")
	require.ErrorIs(t, err, ErrDisputeOpen)
	_, err = f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{Status: "cancelled"})
	require.ErrorIs(t, err, ErrDisputeOpen)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPickedUp, stored.Status)
	assert.False(t, stored.EscrowCleared)
	assertSameBalances(t, held, f.account(t, f.traveler.ID))

	_, err = f.svc.ResolveDispute(ctx, r.ID, "usr_admin", "resolved", "sender refunded offline")
	require.NoError(t, err)
	cancelled, err := f.svc.Cancel(ctx, r.ID, f.senderActor(), "after arbitration")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.EscrowCleared)
	assert.True(t, f.account(t, f.traveler.ID).EscrowBalance.Equal(held.EscrowBalance.Sub(d("50"))))
}

func TestRaiseDispute_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")

	_, err := f.svc.RaiseDispute(ctx, r.ID, Actor{ID: "usr_stranger"}, "why not")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.RaiseDispute(ctx, r.ID, f.senderActor(), "  ")
	assert.ErrorIs(t, err, dispute.ErrReasonRequired)

	_, err = f.svc.Cancel(ctx, r.ID, f.senderActor(), "")
	require.NoError(t, err)
	_, err = f.svc.RaiseDispute(ctx, r.ID, f.senderActor(), "late")
	assert.ErrorIs(t, err, dispute.ErrRequestCancelled)
}

// An unknown reference touches nothing.
func TestConfirmPayment_UnknownReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	before := f.account(t, f.traveler.ID)

	_, err := f.svc.ConfirmPayment(ctx, "pi_unknown", PaymentPaid)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Version, stored.Version)
	assertSameBalances(t, before, f.account(t, f.traveler.ID))
}

func TestConfirmPayment_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	ref := f.pay(t, r)
	held := f.account(t, f.traveler.ID)

	again, err := f.svc.ConfirmPayment(ctx, ref, PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, again.Payment.Status)

	// A late failure callback cannot undo a settled payment.
	late, err := f.svc.ConfirmPayment(ctx, ref, PaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, late.Payment.Status)

	assertSameBalances(t, held, f.account(t, f.traveler.ID))
	assert.Contains(t, f.notes.types(), notify.PaymentConfirmed)
}

func TestConfirmPayment_Failed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	_, err := f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodPaystack, "ps_ref_1")
	require.NoError(t, err)

	got, err := f.svc.ConfirmPayment(ctx, "ps_ref_1", PaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed, got.Payment.Status)
	assert.False(t, got.Escrow.Held)
	assert.True(t, f.account(t, f.traveler.ID).EscrowBalance.IsZero())

	_, err = f.svc.ConfirmPayment(ctx, "ps_ref_1", "pending")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// A confirmation that arrives after cancellation is stale.
func TestConfirmPayment_AfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	_, err := f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodStripe, "pi_late")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, r.ID, f.senderActor(), "")
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, "pi_late", PaymentPaid)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, f.account(t, f.traveler.ID).EscrowBalance.IsZero())

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentUnpaid, stored.Payment.Status)
}

func TestRecordPaymentIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	other := f.create(t, "20")

	first, err := f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodStripe, "pi_1")
	require.NoError(t, err)
	same, err := f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, same.Version)

	_, err = f.svc.RecordPaymentIntent(ctx, other.ID, f.senderActor(), MethodStripe, "pi_1")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	_, err = f.svc.RecordPaymentIntent(ctx, r.ID, f.travelerActor(), MethodStripe, "pi_2")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), "paypal", "pp_1")
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)

	_, err = f.svc.ConfirmPayment(ctx, "pi_1", PaymentPaid)
	require.NoError(t, err)
	_, err = f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodStripe, "pi_3")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")

	_, err := f.svc.Transition(ctx, r.ID, f.senderActor(), TransitionInput{Status: "accepted"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{Status: "in_transit"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{Status: "completed"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{Status: "teleported"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, stored.MovementTracking, 1, "failed transitions append nothing")

	f.advance(t, r.ID, StatusAccepted)
	_, err = f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{Status: "picked_up"})
	assert.ErrorIs(t, err, ErrPaymentRequired)

	f.pay(t, r)
	picked, err := f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{
		Status: "picked_up", Location: " Lagos airport ", Notes: "sealed",
	})
	require.NoError(t, err)
	last := picked.MovementTracking[len(picked.MovementTracking)-1]
	assert.Equal(t, StatusPickedUp, last.Status)
	assert.Equal(t, "Lagos airport", last.Location)
	assert.Equal(t, f.traveler.ID, last.ActorID)
	assert.True(t, picked.UpdatedAt.After(r.UpdatedAt))
}

func TestTransition_AcceptRequiresKYC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	_, err := f.users.SetKYCStatus(ctx, f.traveler.ID, users.KYCRejected)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, r.ID, f.travelerActor(), TransitionInput{Status: "accepted"})
	assert.ErrorIs(t, err, ErrKYCRequired)

	trip, err := f.trips.Get(ctx, f.trip.ID)
	require.NoError(t, err)
	assert.True(t, trip.AvailableKg.Equal(d("10")))
}

func TestAcceptReservesAndCancelReleasesCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")

	accepted := f.advance(t, r.ID, StatusAccepted)
	assert.True(t, accepted.ReservedKg.Equal(d("4")))
	trip, err := f.trips.Get(ctx, f.trip.ID)
	require.NoError(t, err)
	assert.True(t, trip.AvailableKg.Equal(d("6")))

	_, err = f.svc.Cancel(ctx, r.ID, f.travelerActor(), "flight cancelled")
	require.NoError(t, err)
	trip, err = f.trips.Get(ctx, f.trip.ID)
	require.NoError(t, err)
	assert.True(t, trip.AvailableKg.Equal(d("10")))
}

func TestCancel_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t, "50")
	_, err := f.svc.Cancel(ctx, r.ID, Actor{ID: "usr_stranger"}, "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Cancel(ctx, r.ID, Actor{ID: "usr_admin", Admin: true}, "fraud")
	require.NoError(t, err)

	rejected := f.create(t, "30")
	f.advance(t, rejected.ID, StatusRejected)
	_, err = f.svc.Cancel(ctx, rejected.ID, f.senderActor(), "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Cancelling through the status endpoint routes to Cancel.
	viaStatus := f.create(t, "10")
	got, err := f.svc.Transition(ctx, viaStatus.ID, f.senderActor(), TransitionInput{Status: "cancelled", Notes: "no longer needed"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "no longer needed", got.CancelReason)
}

// A broken notifier never fails the operation that emitted the event.
func TestNotifierFailureIsDropped(t *testing.T) {
	f := newFixture(t)
	f.notes.err = errors.New("smtp down")

	r := f.create(t, "50")
	ref := f.pay(t, r)
	assert.NotEmpty(t, ref)

	stored, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, stored.Payment.Status)
}

func TestConfirmReceived_ConcurrentReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	f.advance(t, r.ID, StatusAccepted)
	f.pay(t, r)
	f.advance(t, r.ID, StatusPickedUp, StatusInTransit)
	before := f.account(t, f.traveler.ID)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ConfirmReceived(ctx, r.ID, f.senderActor())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	after := f.account(t, f.traveler.ID)
	assert.True(t, after.Balance.Equal(before.Balance.Add(d("50"))))
	assert.True(t, after.EscrowBalance.Equal(before.EscrowBalance.Sub(d("50"))))

	completed := 0
	for _, typ := range f.notes.types() {
		if typ == notify.RequestCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestConcurrentPaymentConfirmationsHoldOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "50")
	_, err := f.svc.RecordPaymentIntent(ctx, r.ID, f.senderActor(), MethodStripe, "pi_race")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.ConfirmPayment(ctx, "pi_race", PaymentPaid)
		}()
	}
	wg.Wait()

	assert.True(t, f.account(t, f.traveler.ID).EscrowBalance.Equal(d("50")))
}

func TestListByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, "10")
	second := f.create(t, "20")

	sent, err := f.svc.ListBySender(ctx, f.sender.ID, 10)
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, second.ID, sent[0].ID)
	assert.Equal(t, first.ID, sent[1].ID)

	carried, err := f.svc.ListByTraveler(ctx, f.traveler.ID, 1)
	require.NoError(t, err)
	assert.Len(t, carried, 1)

	none, err := f.svc.ListBySender(ctx, f.traveler.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
