package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baggo/baggo/internal/requests"
)

// paystackAPI answers every call with a canned body and keeps the requests.
type paystackAPI struct {
	mu     sync.Mutex
	status int
	reply  string
	paths  []string
	bodies []map[string]any
}

func (a *paystackAPI) RoundTrip(req *http.Request) (*http.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, req.URL.Path)
	if req.Body != nil {
		dec := json.NewDecoder(req.Body)
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err == nil {
			a.bodies = append(a.bodies, body)
		}
	}
	status := a.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(a.reply)),
		Request:    req,
	}, nil
}

func newPaystackTest(reply string) (*PaystackProvider, *paystackAPI) {
	api := &paystackAPI{reply: reply}
	return NewPaystackProvider("sk_test", &http.Client{Transport: api}), api
}

// Kobo amounts beyond float32 precision reach Paystack exactly.
func TestPaystackInitialize_ExactMinorUnits(t *testing.T) {
	p, api := newPaystackTest(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/abc","reference":"pay_1"}}`)

	intent, err := p.Initialize(context.Background(), IntentRequest{
		RequestID: "req_1",
		Reference: "pay_1",
		Email:     "ada@example.com",
		Amount:    decimal.RequireFromString("167772.17"),
		Currency:  "ngn",
	})
	require.NoError(t, err)
	assert.Equal(t, requests.MethodPaystack, intent.Provider)
	assert.Equal(t, "pay_1", intent.Reference)
	assert.Equal(t, "https://checkout.paystack.com/abc", intent.AuthorizationURL)

	require.Len(t, api.bodies, 1)
	assert.Equal(t, "/transaction/initialize", api.paths[0])
	assert.Equal(t, json.Number("16777217"), api.bodies[0]["amount"])
	assert.Equal(t, "NGN", api.bodies[0]["currency"])
	assert.Equal(t, "pay_1", api.bodies[0]["reference"])
}

func TestPaystackInitialize_APIError(t *testing.T) {
	p, api := newPaystackTest(`{"status":false,"message":"Invalid email"}`)
	api.status = http.StatusBadRequest

	_, err := p.Initialize(context.Background(), IntentRequest{
		Reference: "pay_2", Email: "nope", Amount: decimal.NewFromInt(10), Currency: "ngn",
	})
	require.Error(t, err)
	assert.False(t, providerFault(err), "a rejected request is not a provider outage")
}

func TestPaystackRefund_MinorUnits(t *testing.T) {
	p, api := newPaystackTest(`{"status":true,"message":"Refund has been queued","data":{"id":3018284}}`)

	id, err := p.Refund(context.Background(), "pay_3", decimal.RequireFromString("45.50"))
	require.NoError(t, err)
	assert.Equal(t, "3018284", id)

	require.Len(t, api.bodies, 1)
	assert.Equal(t, "/refund", api.paths[0])
	assert.Equal(t, json.Number("4550"), api.bodies[0]["amount"])
	assert.Equal(t, "pay_3", api.bodies[0]["transaction"])
}
