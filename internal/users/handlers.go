package users

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/validation"
)

// TokenIssuer mints bearer tokens for newly registered users.
type TokenIssuer interface {
	Issue(userID, role string) (string, error)
}

// Handler provides HTTP endpoints for users.
type Handler struct {
	service *Service
	tokens  TokenIssuer
}

// NewHandler creates a new user handler.
func NewHandler(service *Service, tokens TokenIssuer) *Handler {
	return &Handler{service: service, tokens: tokens}
}

// RegisterRoutes sets up public user routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateUser)
}

// RegisterProtectedRoutes sets up auth-required user routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id", h.GetUser)
	r.POST("/users/:id/referral-discount", h.ApplyReferralDiscount)
}

// RegisterAdminRoutes sets up admin-only user routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/users/:id/kyc", h.SetKYCStatus)
}

// CreateUser handles POST /v1/users
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	u, err := h.service.Create(c.Request.Context(), req, RoleUser)
	if err != nil {
		writeError(c, err)
		return
	}
	token, err := h.tokens.Issue(u.ID, string(u.Role))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": u, "token": token})
}

// GetUser handles GET /v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	id := c.Param("id")
	if !auth.IsSelfOrAdmin(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Cannot view another user"})
		return
	}
	u, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// KYCRequest is the body of POST /v1/admin/users/:id/kyc
type KYCRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetKYCStatus handles POST /v1/admin/users/:id/kyc
func (h *Handler) SetKYCStatus(c *gin.Context) {
	var req KYCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	u, err := h.service.SetKYCStatus(c.Request.Context(), c.Param("id"), KYCStatus(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// DiscountRequest is the body of POST /v1/users/:id/referral-discount
type DiscountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// ApplyReferralDiscount handles POST /v1/users/:id/referral-discount
func (h *Handler) ApplyReferralDiscount(c *gin.Context) {
	id := c.Param("id")
	if auth.UserID(c) != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the user can use their discount"})
		return
	}
	var req DiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.PositiveAmount("amount", req.Amount)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount, _ := money.Parse(req.Amount)

	discounted, applied, err := h.service.ApplyReferralDiscount(c.Request.Context(), id, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":     money.Format(amount),
		"discounted": money.Format(discounted),
		"applied":    applied,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": err.Error()})
	case errors.Is(err, ErrInvalidUser), errors.Is(err, ErrInvalidKYC), errors.Is(err, ErrUnknownReferrer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
