package refunds

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/requests"
	"github.com/baggo/baggo/internal/validation"
)

// Handler provides HTTP endpoints for refunds
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up sender refund routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/requests/:id/refund", h.RequestRefund)
	r.GET("/refunds", h.ListMine)
}

// RegisterAdminRoutes sets up refund review on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/refunds", h.List)
	r.POST("/admin/refunds/:id/approve", h.Approve)
	r.POST("/admin/refunds/:id/reject", h.Reject)
}

// RefundBody is the body of POST /v1/requests/:id/refund
type RefundBody struct {
	Reason string `json:"reason" binding:"required"`
}

// RequestRefund handles POST /v1/requests/:id/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	var req RefundBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxTextLength)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	rf, err := h.service.RequestRefund(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": rf})
}

// ListMine handles GET /v1/refunds
func (h *Handler) ListMine(c *gin.Context) {
	list, err := h.service.ListMine(c.Request.Context(), auth.UserID(c), validation.Limit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	respondList(c, list)
}

// List handles GET /v1/admin/refunds?status=
func (h *Handler) List(c *gin.Context) {
	status, err := ParseStatus(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	list, err := h.service.List(c.Request.Context(), status, validation.Limit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	respondList(c, list)
}

// Approve handles POST /v1/admin/refunds/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	rf, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": rf})
}

// RejectBody is the body of POST /v1/admin/refunds/:id/reject
type RejectBody struct {
	Note string `json:"note"`
}

// Reject handles POST /v1/admin/refunds/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectBody
	_ = c.ShouldBindJSON(&req)
	rf, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": rf})
}

func respondList(c *gin.Context, list []*Refund) {
	if list == nil {
		list = []*Refund{}
	}
	c.JSON(http.StatusOK, gin.H{"refunds": list, "count": len(list)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Refund not found"})
	case errors.Is(err, requests.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Request not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotRefundable), errors.Is(err, ErrAlreadyRequested), errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Refund operation failed"})
	}
}
