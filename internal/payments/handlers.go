package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/requests"
	"github.com/baggo/baggo/internal/validation"
)

const maxWebhookBody = 64 << 10

// Handler provides payment and webhook endpoints
type Handler struct {
	settlement          *Settlement
	stripeWebhookSecret string
	paystackSecret      string
	logger              *slog.Logger
}

// NewHandler creates a payment handler. An empty secret disables the
// matching webhook.
func NewHandler(settlement *Settlement, stripeWebhookSecret, paystackSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		settlement:          settlement,
		stripeWebhookSecret: stripeWebhookSecret,
		paystackSecret:      paystackSecret,
		logger:              logger,
	}
}

// RegisterRoutes sets up payment routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/requests/:id/payment", h.StartPayment)
	r.POST("/payments/verify/:reference", h.VerifyPayment)
}

// RegisterWebhookRoutes sets up provider callbacks. They authenticate by
// signature, not by token.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
	r.POST("/webhooks/paystack", h.PaystackWebhook)
}

// StartPaymentRequest is the body of POST /v1/requests/:id/payment
type StartPaymentRequest struct {
	Method string `json:"method" binding:"required"`
}

// StartPayment handles POST /v1/requests/:id/payment
func (h *Handler) StartPayment(c *gin.Context) {
	var req StartPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "method is required"})
		return
	}
	if errs := validation.Validate(validation.OneOf("method", req.Method,
		string(requests.MethodStripe), string(requests.MethodPaystack))); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	actor := requests.Actor{ID: auth.UserID(c), Admin: auth.IsAdmin(c)}
	intent, err := h.settlement.StartPayment(c.Request.Context(), c.Param("id"), actor, requests.PaymentMethod(req.Method))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": intent})
}

// VerifyPayment handles POST /v1/payments/verify/:reference
func (h *Handler) VerifyPayment(c *gin.Context) {
	ref := c.Param("reference")
	r, err := h.settlement.requests.GetByPaymentReference(c.Request.Context(), ref)
	if err == nil && !auth.IsAdmin(c) && !r.IsParty(auth.UserID(c)) {
		err = ErrUnknownReference
	}
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			err = ErrUnknownReference
		}
		writeError(c, err)
		return
	}
	r, err = h.settlement.Verify(c.Request.Context(), ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.stripeWebhookSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Stripe webhooks are not configured"})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.stripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		webhooksTotal.WithLabelValues("stripe", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	var outcome Outcome
	switch event.Type {
	case "payment_intent.succeeded":
		outcome = OutcomePaid
	case "payment_intent.canceled":
		outcome = OutcomeFailed
	case "payment_intent.payment_failed":
		// The payer can retry a declined intent; wait for succeeded or canceled.
		webhooksTotal.WithLabelValues("stripe", "attempt_failed").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	default:
		webhooksTotal.WithLabelValues("stripe", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil || pi.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Malformed payment intent"})
		return
	}
	h.applyWebhook(c, "stripe", pi.ID, func() error {
		_, err := h.settlement.Confirm(c.Request.Context(), pi.ID, outcome)
		return err
	})
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// PaystackWebhook handles POST /v1/webhooks/paystack. A charge event is only
// a hint: the outcome is always re-read from Paystack.
func (h *Handler) PaystackWebhook(c *gin.Context) {
	if h.paystackSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Paystack webhooks are not configured"})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}
	if !ValidPaystackSignature(payload, c.GetHeader("x-paystack-signature"), h.paystackSecret) {
		webhooksTotal.WithLabelValues("paystack", "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	var ev paystackEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Data.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Malformed event"})
		return
	}
	if ev.Event != "charge.success" {
		webhooksTotal.WithLabelValues("paystack", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	h.applyWebhook(c, "paystack", ev.Data.Reference, func() error {
		_, err := h.settlement.Verify(c.Request.Context(), ev.Data.Reference)
		return err
	})
}

// applyWebhook acknowledges unknown references and stale events with 200 so
// the provider stops retrying. Anything retryable gets a 5xx.
func (h *Handler) applyWebhook(c *gin.Context, provider, reference string, apply func() error) {
	err := apply()
	switch {
	case err == nil:
		webhooksTotal.WithLabelValues(provider, "applied").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrUnknownReference), errors.Is(err, requests.ErrInvalidTransition):
		webhooksTotal.WithLabelValues(provider, "discarded").Inc()
		h.logger.Warn("webhook discarded", "provider", provider, "reference", reference, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
	default:
		webhooksTotal.WithLabelValues(provider, "error").Inc()
		h.logger.Error("webhook not applied", "provider", provider, "reference", reference, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retry_later", "message": "Payment could not be applied"})
	}
}

// ValidPaystackSignature checks the hex HMAC-SHA512 of body under secret.
func ValidPaystackSignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownReference), errors.Is(err, requests.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_reference", "message": err.Error()})
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, requests.ErrInvalidPaymentMethod),
		errors.Is(err, ErrNoEmail), errors.Is(err, requests.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, requests.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, requests.ErrInvalidTransition), errors.Is(err, requests.ErrDuplicateReference),
		errors.Is(err, requests.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrVerification):
		c.JSON(http.StatusBadGateway, gin.H{"error": "verification_failed", "message": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Payment operation failed"})
	}
}
