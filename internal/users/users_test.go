package users

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baggo/baggo/internal/logging"
)

type fakeAccounts struct {
	mu     sync.Mutex
	opened []string
}

func (f *fakeAccounts) OpenAccountFor(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, userID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeAccounts) {
	t.Helper()
	acc := &fakeAccounts{}
	return NewService(NewMemoryStore(), acc, decimal.NewFromInt(3), logging.Discard()), acc
}

func TestCreate_OpensWallet(t *testing.T) {
	svc, acc := newTestService(t)
	u, err := svc.Create(context.Background(), CreateRequest{Name: "Ada", Email: " Ada@Example.com "}, RoleUser)
	require.NoError(t, err)

	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, KYCPending, u.KYCStatus)
	assert.Equal(t, []string{u.ID}, acc.opened)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{Name: "", Email: "a@b.co"}, RoleUser)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = svc.Create(ctx, CreateRequest{Name: "A", Email: "not-an-email"}, RoleUser)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = svc.Create(ctx, CreateRequest{Name: "A", Email: "a@b.co", ReferredBy: "usr_ghost"}, RoleUser)
	assert.ErrorIs(t, err, ErrUnknownReferrer)

	_, err = svc.Create(ctx, CreateRequest{Name: "A", Email: "a@b.co"}, RoleUser)
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{Name: "B", Email: "A@B.co"}, RoleUser)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSetKYCStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u, _ := svc.Create(ctx, CreateRequest{Name: "T", Email: "t@x.io"}, RoleUser)

	ok, err := svc.IsKYCVerified(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.SetKYCStatus(ctx, u.ID, KYCVerified)
	require.NoError(t, err)
	ok, _ = svc.IsKYCVerified(ctx, u.ID)
	assert.True(t, ok)

	_, err = svc.SetKYCStatus(ctx, u.ID, "maybe")
	assert.ErrorIs(t, err, ErrInvalidKYC)

	_, err = svc.SetKYCStatus(ctx, "usr_ghost", KYCVerified)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyReferralDiscount_Once(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	referrer, _ := svc.Create(ctx, CreateRequest{Name: "R", Email: "r@x.io"}, RoleUser)
	u, _ := svc.Create(ctx, CreateRequest{Name: "U", Email: "u@x.io", ReferredBy: referrer.ID}, RoleUser)

	got, applied, err := svc.ApplyReferralDiscount(ctx, u.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "97.00", got.StringFixed(2))

	got, applied, err = svc.ApplyReferralDiscount(ctx, u.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "100.00", got.StringFixed(2))

	stored, _ := svc.Get(ctx, u.ID)
	assert.True(t, stored.HasUsedReferralDiscount)
}

func TestRestoreReferralDiscount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	referrer, _ := svc.Create(ctx, CreateRequest{Name: "R", Email: "r@x.io"}, RoleUser)
	u, _ := svc.Create(ctx, CreateRequest{Name: "U", Email: "u@x.io", ReferredBy: referrer.ID}, RoleUser)

	_, applied, err := svc.ApplyReferralDiscount(ctx, u.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, svc.RestoreReferralDiscount(ctx, u.ID))
	stored, _ := svc.Get(ctx, u.ID)
	assert.False(t, stored.HasUsedReferralDiscount)

	_, applied, err = svc.ApplyReferralDiscount(ctx, u.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, applied, "a restored discount can be used again")

	assert.ErrorIs(t, svc.RestoreReferralDiscount(ctx, "usr_missing"), ErrNotFound)
}

func TestApplyReferralDiscount_NotReferred(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	u, _ := svc.Create(ctx, CreateRequest{Name: "U", Email: "u@x.io"}, RoleUser)

	got, applied, err := svc.ApplyReferralDiscount(ctx, u.ID, decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, got.Equal(decimal.NewFromInt(40)))
}

func TestApplyReferralDiscount_ConcurrentCallsApplyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	referrer, _ := svc.Create(ctx, CreateRequest{Name: "R", Email: "r@x.io"}, RoleUser)
	u, _ := svc.Create(ctx, CreateRequest{Name: "U", Email: "u@x.io", ReferredBy: referrer.ID}, RoleUser)

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, applied, _ := svc.ApplyReferralDiscount(ctx, u.ID, decimal.NewFromInt(10)); applied {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}
