package refunds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/notify"
	"github.com/baggo/baggo/internal/requests"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type requestTable map[string]*requests.Request

func (t requestTable) Get(ctx context.Context, id string) (*requests.Request, error) {
	r, ok := t[id]
	if !ok {
		return nil, requests.ErrNotFound
	}
	return r.Clone(), nil
}

type fakeRefunder struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
	got   []string
}

func (f *fakeRefunder) Refund(ctx context.Context, method requests.PaymentMethod, reference string, amount decimal.Decimal) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.got = append(f.got, string(method)+":"+reference+":"+amount.String())
	return "re_" + reference, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type env struct {
	svc      *Service
	store    *MemoryStore
	refunder *fakeRefunder
	notifier *recordingNotifier
	reqs     requestTable
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cost := d("5")
	reqs := requestTable{
		"req_cancelled": {
			ID: "req_cancelled", SenderID: "usr_sender", TravelerID: "usr_traveler",
			Amount: d("40"), Insurance: true, InsuranceCost: &cost,
			Status:  requests.StatusCancelled,
			Payment: requests.Payment{Method: requests.MethodStripe, Reference: "pi_1", Status: requests.PaymentPaid},
		},
		"req_unpaid": {
			ID: "req_unpaid", SenderID: "usr_sender", TravelerID: "usr_traveler",
			Amount: d("40"), Status: requests.StatusCancelled,
			Payment: requests.Payment{Status: requests.PaymentUnpaid},
		},
		"req_active": {
			ID: "req_active", SenderID: "usr_sender", TravelerID: "usr_traveler",
			Amount: d("40"), Status: requests.StatusInTransit,
			Payment: requests.Payment{Method: requests.MethodPaystack, Reference: "ps_1", Status: requests.PaymentPaid},
		},
	}
	e := &env{
		store:    NewMemoryStore(),
		refunder: &fakeRefunder{},
		notifier: &recordingNotifier{},
		reqs:     reqs,
	}
	e.svc = NewService(e.store, reqs, e.refunder, e.notifier, logging.Discard())
	return e
}

func TestRequestRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rf, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "trip fell through")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rf.Status)
	assert.Equal(t, requests.MethodStripe, rf.Provider)
	assert.Equal(t, "pi_1", rf.ExternalReference)
	assert.True(t, rf.Amount.Equal(d("45")), "insurance is refunded too")

	_, err = e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "again")
	assert.ErrorIs(t, err, ErrAlreadyRequested)

	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, notify.RefundUpdated, e.notifier.events[0].Type)
	assert.Equal(t, []string{"usr_sender"}, e.notifier.events[0].Recipients)
}

func TestRequestRefund_Rules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		requestID string
		userID    string
		reason    string
		want      error
	}{
		{"missing reason", "req_cancelled", "usr_sender", "", ErrReasonRequired},
		{"unknown request", "req_missing", "usr_sender", "x", requests.ErrNotFound},
		{"not the sender", "req_cancelled", "usr_traveler", "x", ErrForbidden},
		{"never paid", "req_unpaid", "usr_sender", "x", ErrNotRefundable},
		{"still in flight", "req_active", "usr_sender", "x", ErrNotRefundable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.RequestRefund(ctx, tt.requestID, tt.userID, tt.reason)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestApprove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rf, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "cancelled")
	require.NoError(t, err)

	got, err := e.svc.Approve(ctx, rf.ID, "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, "re_pi_1", got.ProviderRefundID)
	assert.Equal(t, []string{"stripe:pi_1:45"}, e.refunder.got)

	_, err = e.svc.Approve(ctx, rf.ID, "usr_admin")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, int32(1), e.refunder.calls.Load())

	_, err = e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "more")
	assert.ErrorIs(t, err, ErrAlreadyRequested, "a refunded request stays closed")

	_, err = e.svc.Approve(ctx, "rfd_missing", "usr_admin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApprove_ProviderFailureKeepsPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rf, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "cancelled")
	require.NoError(t, err)

	e.refunder.err = errors.New("card network down")
	_, err = e.svc.Approve(ctx, rf.ID, "usr_admin")
	assert.ErrorIs(t, err, ErrProvider)

	stored, err := e.svc.Get(ctx, rf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	e.refunder.err = nil
	got, err := e.svc.Approve(ctx, rf.ID, "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
}

func TestApprove_ConcurrentPaysOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rf, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "cancelled")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Approve(ctx, rf.ID, "usr_admin"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), e.refunder.calls.Load())
}

func TestReject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rf, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "cancelled")
	require.NoError(t, err)

	got, err := e.svc.Reject(ctx, rf.ID, "usr_admin", "delivered after all")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Zero(t, e.refunder.calls.Load())

	_, err = e.svc.Reject(ctx, rf.ID, "usr_admin", "")
	assert.ErrorIs(t, err, ErrNotPending)

	// A rejected refund can be asked for again.
	_, err = e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "please reconsider")
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	e.svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "one")
	require.NoError(t, err)
	_, err = e.svc.Reject(ctx, first.ID, "usr_admin", "")
	require.NoError(t, err)
	second, err := e.svc.RequestRefund(ctx, "req_cancelled", "usr_sender", "two")
	require.NoError(t, err)

	pending, err := e.svc.List(ctx, StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	all, err := e.svc.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	mine, err := e.svc.ListMine(ctx, "usr_sender", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := e.svc.ListMine(ctx, "usr_traveler", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"", "pending", "refunded", "rejected"} {
		_, err := ParseStatus(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseStatus("paid")
	assert.Error(t, err)
}
