package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/logging"
)

type staticKYC map[string]bool

func (s staticKYC) IsKYCVerified(ctx context.Context, userID string) (bool, error) {
	return s[userID], nil
}

func setupWalletRouter(t *testing.T, kyc staticKYC) (*gin.Engine, *Ledger, *auth.Issuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := newTestLedger(t)
	iss := auth.NewIssuer("test-secret")

	r := gin.New()
	r.Use(auth.Middleware(iss))
	NewHandler(l, kyc, logging.Discard()).RegisterRoutes(r.Group("/v1", auth.RequireAuth()))
	return r, l, iss
}

func post(r *gin.Engine, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_AddWithdrawEscrow(t *testing.T) {
	r, l, iss := setupWalletRouter(t, staticKYC{"usr_a": true})
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, "usr_a")
	require.NoError(t, err)
	tok, _ := iss.Issue("usr_a", auth.RoleUser)

	w := post(r, "/v1/users/usr_a/wallet/add", tok, gin.H{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(r, "/v1/users/usr_a/wallet/withdraw", tok, gin.H{"amount": "30"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(r, "/v1/users/usr_a/wallet/escrow", tok, gin.H{"amount": "50", "reference": "trip-deposit"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(r, "/v1/users/usr_a/wallet/withdraw", tok, gin.H{"amount": "21"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	acct, err := l.GetAccount(ctx, "usr_a")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("20")))
	assert.True(t, acct.EscrowBalance.Equal(d("50")))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/usr_a/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Wallet         Account  `json:"wallet"`
		BalanceHistory []*Entry `json:"balanceHistory"`
		EscrowHistory  []*Entry `json:"escrowHistory"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.BalanceHistory, 3)
	assert.Len(t, resp.EscrowHistory, 1)
	assert.Equal(t, EntryEscrowHold, resp.EscrowHistory[0].Type)
}

func TestHandler_WithdrawRequiresKYC(t *testing.T) {
	r, l, iss := setupWalletRouter(t, staticKYC{})
	ctx := context.Background()
	_, _ = l.OpenAccount(ctx, "usr_b")
	_, _ = l.Credit(ctx, "usr_b", d("10"), "")
	tok, _ := iss.Issue("usr_b", auth.RoleUser)

	w := post(r, "/v1/users/usr_b/wallet/withdraw", tok, gin.H{"amount": "5"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "kyc_required")
}

func TestHandler_RejectsBadAmountsAndStrangers(t *testing.T) {
	r, l, iss := setupWalletRouter(t, staticKYC{})
	_, _ = l.OpenAccount(context.Background(), "usr_c")
	tok, _ := iss.Issue("usr_c", auth.RoleUser)
	other, _ := iss.Issue("usr_d", auth.RoleUser)

	for _, amount := range []string{"0", "-5", "1.234", "abc"} {
		w := post(r, "/v1/users/usr_c/wallet/add", tok, gin.H{"amount": amount})
		assert.Equal(t, http.StatusBadRequest, w.Code, amount)
	}

	w := post(r, "/v1/users/usr_c/wallet/add", other, gin.H{"amount": "5"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, _ := iss.Issue("usr_admin", auth.RoleAdmin)
	w = post(r, "/v1/users/usr_c/wallet/escrow", admin, gin.H{"amount": "5"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
