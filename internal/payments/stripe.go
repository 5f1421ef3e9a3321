package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/requests"
)

// StripeProvider takes card payments through Stripe PaymentIntents. The
// intent id is the payment reference.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a provider for the given secret key.
func NewStripeProvider(secretKey string) *StripeProvider {
	return &StripeProvider{api: client.New(secretKey, nil)}
}

func (p *StripeProvider) Name() requests.PaymentMethod { return requests.MethodStripe }

func (p *StripeProvider) Initialize(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(money.MinorUnits(req.Amount)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		ReceiptEmail: stripe.String(req.Email),
	}
	params.Context = ctx
	params.AddMetadata("request_id", req.RequestID)
	params.SetIdempotencyKey(req.Reference)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return &Intent{
		Provider:     requests.MethodStripe,
		Reference:    pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       req.Amount,
		Currency:     req.Currency,
	}, nil
}

func (p *StripeProvider) Verify(ctx context.Context, reference string) (Outcome, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("stripe: get payment intent: %w", err)
	}
	return stripeOutcome(pi), nil
}

func (p *StripeProvider) Refund(ctx context.Context, reference string, amount decimal.Decimal) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(reference)}
	if amount.IsPositive() {
		params.Amount = stripe.Int64(money.MinorUnits(amount))
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund:" + reference)

	rf, err := p.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create refund: %w", err)
	}
	return rf.ID, nil
}

func stripeOutcome(pi *stripe.PaymentIntent) Outcome {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return OutcomePaid
	case stripe.PaymentIntentStatusCanceled:
		return OutcomeFailed
	}
	// A declined attempt returns the intent to requires_payment_method, and the
	// payer may still retry it, so only cancellation is final.
	return OutcomePending
}
