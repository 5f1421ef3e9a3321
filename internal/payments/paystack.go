package payments

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpip/paystack-go"
	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/requests"
)

// PaystackProvider takes payments through Paystack transactions. Our own
// reference is handed to Paystack and used to verify the transaction.
type PaystackProvider struct {
	client *paystack.Client
}

// NewPaystackProvider creates a provider for the given secret key.
func NewPaystackProvider(secretKey string, httpClient *http.Client) *PaystackProvider {
	return &PaystackProvider{client: paystack.NewClient(secretKey, httpClient)}
}

func (p *PaystackProvider) Name() requests.PaymentMethod { return requests.MethodPaystack }

// Initialize posts the transaction through the raw API because the client's
// TransactionRequest carries the amount as a float32, which cannot hold every
// kobo value.
func (p *PaystackProvider) Initialize(ctx context.Context, req IntentRequest) (*Intent, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    money.MinorUnits(req.Amount),
		"currency":  strings.ToUpper(req.Currency),
		"reference": req.Reference,
	}
	resp, err := awaitResult(ctx, func() (paystack.Response, error) {
		resp := paystack.Response{}
		err := p.client.Call(http.MethodPost, "/transaction/initialize", body, &resp)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("paystack: initialize transaction: %w", err)
	}
	authURL, _ := resp["authorization_url"].(string)
	ref, _ := resp["reference"].(string)
	if ref == "" {
		ref = req.Reference
	}
	return &Intent{
		Provider:         requests.MethodPaystack,
		Reference:        ref,
		AuthorizationURL: authURL,
		Amount:           req.Amount,
		Currency:         req.Currency,
	}, nil
}

func (p *PaystackProvider) Verify(ctx context.Context, reference string) (Outcome, error) {
	txn, err := awaitResult(ctx, func() (*paystack.Transaction, error) {
		return p.client.Transaction.Verify(reference)
	})
	if err != nil {
		return "", fmt.Errorf("paystack: verify transaction: %w", err)
	}
	return paystackOutcome(txn.Status), nil
}

// Refund uses the raw API; the client has no refund service.
func (p *PaystackProvider) Refund(ctx context.Context, reference string, amount decimal.Decimal) (string, error) {
	body := map[string]any{"transaction": reference}
	if amount.IsPositive() {
		body["amount"] = money.MinorUnits(amount)
	}
	resp, err := awaitResult(ctx, func() (paystack.Response, error) {
		resp := paystack.Response{}
		err := p.client.Call(http.MethodPost, "/refund", body, &resp)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("paystack: create refund: %w", err)
	}
	return paystackID(resp["id"]), nil
}

// paystackID formats a numeric id decoded from JSON without an exponent.
func paystackID(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func paystackOutcome(status string) Outcome {
	switch strings.ToLower(status) {
	case "success":
		return OutcomePaid
	case "failed", "abandoned", "reversed":
		return OutcomeFailed
	}
	return OutcomePending
}
