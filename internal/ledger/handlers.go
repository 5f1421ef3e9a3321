package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/validation"
)

// KYCChecker gates withdrawals on identity verification.
type KYCChecker interface {
	IsKYCVerified(ctx context.Context, userID string) (bool, error)
}

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	ledger *Ledger
	kyc    KYCChecker
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(ledger *Ledger, kyc KYCChecker, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, kyc: kyc, logger: logger}
}

// RegisterRoutes sets up wallet routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/wallet", h.GetWallet)
	r.POST("/users/:id/wallet/add", h.AddFunds)
	r.POST("/users/:id/wallet/withdraw", h.WithdrawFunds)
	r.POST("/users/:id/wallet/escrow", h.SendToEscrow)
}

// GetWallet handles GET /v1/users/:id/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	id := c.Param("id")
	if !auth.IsSelfOrAdmin(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Cannot view another user's wallet"})
		return
	}
	ctx := c.Request.Context()

	acct, err := h.ledger.GetAccount(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	limit := validation.Limit(c, 50, 200)
	balanceHistory, err := h.ledger.History(ctx, id, BookBalance, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	escrowHistory, err := h.ledger.History(ctx, id, BookEscrow, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":         acct,
		"balanceHistory": balanceHistory,
		"escrowHistory":  escrowHistory,
	})
}

// AmountRequest is the body of the wallet mutation endpoints.
type AmountRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

func (h *Handler) bind(c *gin.Context) (AmountRequest, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return req, false
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return req, false
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxTextLength)
	return req, true
}

// AddFunds handles POST /v1/users/:id/wallet/add
func (h *Handler) AddFunds(c *gin.Context) {
	id := c.Param("id")
	if !auth.IsSelfOrAdmin(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Cannot fund another user's wallet"})
		return
	}
	req, ok := h.bind(c)
	if !ok {
		return
	}
	amount, _ := money.Parse(req.Amount)

	acct, err := h.ledger.Credit(c.Request.Context(), id, amount, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("funds added", "user_id", id, "amount", money.Format(amount))
	c.JSON(http.StatusOK, gin.H{"wallet": acct})
}

// WithdrawFunds handles POST /v1/users/:id/wallet/withdraw
func (h *Handler) WithdrawFunds(c *gin.Context) {
	id := c.Param("id")
	if !auth.IsSelfOrAdmin(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Cannot withdraw from another user's wallet"})
		return
	}
	req, ok := h.bind(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	verified, err := h.kyc.IsKYCVerified(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !verified {
		c.JSON(http.StatusForbidden, gin.H{"error": "kyc_required", "message": "Identity verification is required to withdraw"})
		return
	}

	amount, _ := money.Parse(req.Amount)
	acct, err := h.ledger.Debit(ctx, id, amount, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("funds withdrawn", "user_id", id, "amount", money.Format(amount))
	c.JSON(http.StatusOK, gin.H{"wallet": acct})
}

// SendToEscrow handles POST /v1/users/:id/wallet/escrow
func (h *Handler) SendToEscrow(c *gin.Context) {
	id := c.Param("id")
	if auth.UserID(c) != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the owner can move funds to escrow"})
		return
	}
	req, ok := h.bind(c)
	if !ok {
		return
	}
	amount, _ := money.Parse(req.Amount)

	acct, err := h.ledger.MoveToEscrow(c.Request.Context(), id, amount, req.Description, req.Reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": acct})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be greater than zero"})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, ErrInsufficientEscrow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_escrow", "message": err.Error()})
	case errors.Is(err, ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Wallet operation failed"})
	}
}
