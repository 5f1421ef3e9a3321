// Package payments connects delivery requests to the payment providers.
//
// A Settlement starts payments with a provider, records the provider's
// reference on the request, and turns provider answers (webhooks or explicit
// verification) into request payment confirmations. Providers are plain
// values injected at start-up; nothing here reaches for a global client.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rpip/paystack-go"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"golang.org/x/sync/singleflight"

	"github.com/baggo/baggo/internal/circuitbreaker"
	"github.com/baggo/baggo/internal/idgen"
	"github.com/baggo/baggo/internal/logging"
	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/requests"
	"github.com/baggo/baggo/internal/traces"
)

var (
	ErrUnknownReference = errors.New("no request carries this payment reference")
	ErrVerification     = errors.New("payment could not be verified, try again later")
	ErrUnknownProvider  = errors.New("payment provider is not configured")
	ErrNoEmail          = errors.New("payer email is required")
)

// Outcome is a provider's view of a payment.
type Outcome string

const (
	OutcomePaid    Outcome = "paid"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// IntentRequest describes a payment to open with a provider.
type IntentRequest struct {
	RequestID string
	Reference string // our reference; providers that mint their own ignore it
	Amount    decimal.Decimal
	Currency  string
	Email     string
}

// Intent is an opened payment the payer still has to complete.
type Intent struct {
	Provider         requests.PaymentMethod `json:"provider"`
	Reference        string                 `json:"reference"`
	ClientSecret     string                 `json:"clientSecret,omitempty"`
	AuthorizationURL string                 `json:"authorizationUrl,omitempty"`
	Amount           decimal.Decimal        `json:"amount"`
	Currency         string                 `json:"currency"`
}

// Provider is a payment rail.
type Provider interface {
	Name() requests.PaymentMethod
	Initialize(ctx context.Context, req IntentRequest) (*Intent, error)
	Verify(ctx context.Context, reference string) (Outcome, error)
	Refund(ctx context.Context, reference string, amount decimal.Decimal) (string, error)
}

// RequestService is the slice of the request service settlement drives.
type RequestService interface {
	Get(ctx context.Context, id string) (*requests.Request, error)
	GetByPaymentReference(ctx context.Context, reference string) (*requests.Request, error)
	RecordPaymentIntent(ctx context.Context, id string, actor requests.Actor, method requests.PaymentMethod, reference string) (*requests.Request, error)
	ConfirmPayment(ctx context.Context, reference string, outcome requests.PaymentStatus) (*requests.Request, error)
}

// Payers resolves the email a provider receipt goes to.
type Payers interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// Settlement is the payment settlement adapter.
type Settlement struct {
	requests  RequestService
	payers    Payers
	providers map[requests.PaymentMethod]Provider
	breaker   *circuitbreaker.Breaker
	timeout   time.Duration
	currency  string
	group     singleflight.Group
	logger    *slog.Logger
}

// Config tunes a Settlement.
type Config struct {
	Timeout  time.Duration // per provider call, default 15s
	Currency string        // default "usd"
	Breaker  *circuitbreaker.Breaker
}

// NewSettlement creates a settlement adapter over the given providers.
func NewSettlement(reqs RequestService, payers Payers, cfg Config, logger *slog.Logger, providers ...Provider) *Settlement {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	s := &Settlement{
		requests:  reqs,
		payers:    payers,
		providers: make(map[requests.PaymentMethod]Provider, len(providers)),
		breaker:   cfg.Breaker,
		timeout:   cfg.Timeout,
		currency:  cfg.Currency,
		logger:    logger,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Provider returns the configured provider for method.
func (s *Settlement) Provider(method requests.PaymentMethod) (Provider, error) {
	p, ok := s.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, method)
	}
	return p, nil
}

// RecordIntent stores the provider and reference on the request.
func (s *Settlement) RecordIntent(ctx context.Context, requestID string, actor requests.Actor, method requests.PaymentMethod, reference string) (*requests.Request, error) {
	return s.requests.RecordPaymentIntent(ctx, requestID, actor, method, reference)
}

// StartPayment opens a payment for the request's escrow amount with the
// provider and records the provider's reference on the request.
func (s *Settlement) StartPayment(ctx context.Context, requestID string, actor requests.Actor, method requests.PaymentMethod) (*Intent, error) {
	ctx, span := traces.StartSpan(ctx, "payments.start", traces.RequestID(requestID), traces.Provider(string(method)))
	intent, err := s.startPayment(ctx, requestID, actor, method)
	traces.End(span, err)
	return intent, err
}

func (s *Settlement) startPayment(ctx context.Context, requestID string, actor requests.Actor, method requests.PaymentMethod) (*Intent, error) {
	if _, err := requests.ParsePaymentMethod(string(method)); err != nil {
		return nil, err
	}
	p, err := s.Provider(method)
	if err != nil {
		return nil, err
	}
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	// Cheap checks before paying for a provider round trip; RecordPaymentIntent
	// repeats them under the request lock.
	if !actor.Admin && actor.ID != r.SenderID {
		return nil, requests.ErrForbidden
	}
	if r.Status.IsTerminal() || r.Payment.Status == requests.PaymentPaid {
		return nil, fmt.Errorf("%w: request is %s and payment %s", requests.ErrInvalidTransition, r.Status, r.Payment.Status)
	}
	email, err := s.payers.EmailFor(ctx, r.SenderID)
	if err != nil {
		return nil, fmt.Errorf("payer email: %w", err)
	}
	if email == "" {
		return nil, ErrNoEmail
	}

	var intent *Intent
	err = s.call(ctx, p, "initialize", func(ctx context.Context) error {
		var err error
		intent, err = p.Initialize(ctx, IntentRequest{
			RequestID: r.ID,
			Reference: idgen.New(idgen.Payment),
			Amount:    r.EscrowAmount(),
			Currency:  s.currency,
			Email:     email,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if _, err := s.requests.RecordPaymentIntent(ctx, r.ID, actor, method, intent.Reference); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payment started", "request_id", r.ID, "provider", method,
		"reference", intent.Reference, "amount", money.Format(intent.Amount))
	return intent, nil
}

// Confirm applies a final provider outcome. Duplicate concurrent
// confirmations of one reference share a single call.
func (s *Settlement) Confirm(ctx context.Context, reference string, outcome Outcome) (*requests.Request, error) {
	var status requests.PaymentStatus
	switch outcome {
	case OutcomePaid:
		status = requests.PaymentPaid
	case OutcomeFailed:
		status = requests.PaymentFailed
	default:
		return nil, fmt.Errorf("%w: outcome %q is not final", ErrVerification, outcome)
	}

	v, err, _ := s.group.Do(reference+"|"+string(outcome), func() (any, error) {
		return s.requests.ConfirmPayment(ctx, reference, status)
	})
	if errors.Is(err, requests.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	if err != nil {
		return nil, err
	}
	r := v.(*requests.Request)
	return r.Clone(), nil
}

// Verify asks the request's provider for the payment outcome and confirms
// it. Provider errors, timeouts, an open circuit and pending outcomes all
// return ErrVerification and leave the payment unpaid.
func (s *Settlement) Verify(ctx context.Context, reference string) (*requests.Request, error) {
	ctx, span := traces.StartSpan(ctx, "payments.verify", traces.Reference(reference))
	r, err := s.verify(ctx, reference)
	traces.End(span, err)
	return r, err
}

func (s *Settlement) verify(ctx context.Context, reference string) (*requests.Request, error) {
	r, err := s.requests.GetByPaymentReference(ctx, reference)
	if errors.Is(err, requests.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	if err != nil {
		return nil, err
	}
	if r.Payment.Status.Settled() {
		return r, nil
	}
	p, err := s.Provider(r.Payment.Method)
	if err != nil {
		return nil, err
	}

	var outcome Outcome
	start := time.Now()
	err = s.call(ctx, p, "verify", func(ctx context.Context) error {
		var err error
		outcome, err = p.Verify(ctx, reference)
		return err
	})
	verifyDuration.WithLabelValues(string(p.Name())).Observe(time.Since(start).Seconds())
	if err != nil {
		logging.L(ctx).Warn("payment verification failed", "reference", reference, "provider", p.Name(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if outcome == OutcomePending {
		return nil, fmt.Errorf("%w: payment %s is still pending", ErrVerification, reference)
	}
	return s.Confirm(ctx, reference, outcome)
}

// Refund returns a paid request's money through its provider.
func (s *Settlement) Refund(ctx context.Context, method requests.PaymentMethod, reference string, amount decimal.Decimal) (string, error) {
	p, err := s.Provider(method)
	if err != nil {
		return "", err
	}
	var refundID string
	err = s.call(ctx, p, "refund", func(ctx context.Context) error {
		var err error
		refundID, err = p.Refund(ctx, reference, amount)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("refund %s via %s: %w", reference, method, err)
	}
	return refundID, nil
}

// call runs fn against p with the provider timeout behind the provider's
// circuit.
func (s *Settlement) call(ctx context.Context, p Provider, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.breaker.Execute(string(p.Name()), func() error { return fn(ctx) }, providerFault)
	providerCalls.WithLabelValues(string(p.Name()), op, resultLabel(err)).Inc()
	return err
}

// providerFault reports whether err points at the provider rather than at
// the call. Provider 4xx answers other than 429 are caller mistakes and do not
// count toward tripping the breaker.
func providerFault(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return faultStatus(se.HTTPStatusCode)
	}
	var pe *paystack.APIError
	if errors.As(err, &pe) {
		return faultStatus(pe.HTTPStatusCode)
	}
	return !errors.Is(err, context.Canceled)
}

func faultStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// awaitResult runs fn in a goroutine so callers without context support
// still honor ctx.
func awaitResult[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
