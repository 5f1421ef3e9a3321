package packages

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

func validCreate() CreateRequest {
	return CreateRequest{
		FromLocation:  "Lagos",
		ToLocation:    "London",
		WeightKg:      "2.5",
		ReceiverName:  "Chidi",
		ReceiverPhone: "+44 20 7946 0000",
		Value:         "120.00",
	}
}

func TestCreate(t *testing.T) {
	svc := NewService(NewMemoryStore(), logging.Discard())
	ctx := context.Background()

	p, err := svc.Create(ctx, "usr_s", validCreate())
	require.NoError(t, err)
	assert.Equal(t, "usr_s", p.SenderID)
	assert.Equal(t, "2.5", p.WeightKg.String())

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = svc.Get(ctx, "pkg_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore(), logging.Discard())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
	}{
		{"zero weight", func(r *CreateRequest) { r.WeightKg = "0" }},
		{"bad weight", func(r *CreateRequest) { r.WeightKg = "heavy" }},
		{"negative value", func(r *CreateRequest) { r.Value = "-1" }},
		{"blank receiver", func(r *CreateRequest) { r.ReceiverName = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreate()
			tt.mutate(&req)
			_, err := svc.Create(ctx, "usr_s", req)
			assert.ErrorIs(t, err, ErrInvalidPackage)
		})
	}
}

func TestHandler_OwnerOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryStore(), logging.Discard())
	iss := auth.NewIssuer("test-secret")
	r := gin.New()
	r.Use(auth.Middleware(iss))
	NewHandler(svc).RegisterRoutes(r.Group("/v1", auth.RequireAuth()))

	owner, _ := iss.Issue("usr_s", auth.RoleUser)
	other, _ := iss.Issue("usr_x", auth.RoleUser)

	body, _ := json.Marshal(validCreate())
	req := httptest.NewRequest(http.MethodPost, "/v1/packages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+owner)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Package Package `json:"package"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	get := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/packages/"+resp.Package.ID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, get(owner))
	assert.Equal(t, http.StatusNotFound, get(other))
}
