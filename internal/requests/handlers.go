package requests

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/dispute"
	"github.com/baggo/baggo/internal/escrow"
	"github.com/baggo/baggo/internal/ledger"
	"github.com/baggo/baggo/internal/money"
	"github.com/baggo/baggo/internal/packages"
	"github.com/baggo/baggo/internal/trips"
	"github.com/baggo/baggo/internal/users"
	"github.com/baggo/baggo/internal/validation"
)

// Handler provides HTTP endpoints for delivery requests
type Handler struct {
	service *Service
}

// NewHandler creates a new request handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up request routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.GET("/requests", h.ListRequests)
	r.GET("/requests/:id", h.GetRequest)
	r.POST("/requests/:id/status", h.UpdateStatus)
	r.POST("/requests/:id/confirm-received", h.ConfirmReceived)
	r.POST("/requests/:id/cancel", h.CancelRequest)
	r.POST("/requests/:id/dispute", h.RaiseDispute)
}

// RegisterAdminRoutes sets up dispute administration on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListDisputes)
	r.POST("/admin/requests/:id/dispute/resolve", h.ResolveDispute)
}

// CreateRequestBody is the body of POST /v1/requests
type CreateRequestBody struct {
	TravelerID    string `json:"travelerId" binding:"required"`
	PackageID     string `json:"packageId" binding:"required"`
	TripID        string `json:"tripId"`
	Amount        string `json:"amount" binding:"required"`
	Insurance     bool   `json:"insurance"`
	InsuranceCost string `json:"insuranceCost"`
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "travelerId, packageId and amount are required"})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Amount("insuranceCost", req.InsuranceCost),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount, _ := money.Parse(req.Amount)
	cost := decimal.Zero
	if req.InsuranceCost != "" {
		cost, _ = money.Parse(req.InsuranceCost)
	}

	r, err := h.service.Create(c.Request.Context(), CreateInput{
		SenderID:      auth.UserID(c),
		TravelerID:    req.TravelerID,
		PackageID:     req.PackageID,
		TripID:        req.TripID,
		Amount:        amount,
		Insurance:     req.Insurance,
		InsuranceCost: cost,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// ListRequests handles GET /v1/requests?role=sender|traveler
func (h *Handler) ListRequests(c *gin.Context) {
	role := c.DefaultQuery("role", "sender")
	if errs := validation.Validate(validation.OneOf("role", role, "sender", "traveler")); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	limit := validation.Limit(c, 50, 200)

	var (
		list []*Request
		err  error
	)
	if role == "traveler" {
		list, err = h.service.ListByTraveler(c.Request.Context(), auth.UserID(c), limit)
	} else {
		list, err = h.service.ListBySender(c.Request.Context(), auth.UserID(c), limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

// GetRequest handles GET /v1/requests/:id. Strangers get a 404.
func (h *Handler) GetRequest(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !auth.IsAdmin(c) && !r.IsParty(auth.UserID(c)) {
		writeError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// StatusBody is the body of POST /v1/requests/:id/status
type StatusBody struct {
	Status   string `json:"status" binding:"required"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

// UpdateStatus handles POST /v1/requests/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req StatusBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("location", req.Location, validation.MaxTextLength),
		validation.MaxLength("notes", req.Notes, validation.MaxTextLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	r, err := h.service.Transition(c.Request.Context(), c.Param("id"), actor(c), TransitionInput{
		Status:   req.Status,
		Location: req.Location,
		Notes:    req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ConfirmReceived handles POST /v1/requests/:id/confirm-received
func (h *Handler) ConfirmReceived(c *gin.Context) {
	r, err := h.service.ConfirmReceived(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ReasonBody carries a free-text reason.
type ReasonBody struct {
	Reason string `json:"reason"`
}

// CancelRequest handles POST /v1/requests/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	var req ReasonBody
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxTextLength)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	r, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// RaiseDispute handles POST /v1/requests/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req ReasonBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxTextLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	d, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/admin/disputes?status=open|resolved|rejected
func (h *Handler) ListDisputes(c *gin.Context) {
	status := c.Query("status")
	if status != "" {
		errs := validation.Validate(validation.OneOf("status", status,
			string(dispute.StatusOpen), string(dispute.StatusResolved), string(dispute.StatusRejected)))
		if len(errs) > 0 {
			validation.Abort(c, errs)
			return
		}
	}
	list, err := h.service.ListDisputes(c.Request.Context(), dispute.Status(status), validation.Limit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

// ResolveBody is the body of POST /v1/admin/requests/:id/dispute/resolve
type ResolveBody struct {
	Decision string `json:"decision" binding:"required"`
	Note     string `json:"note"`
}

// ResolveDispute handles POST /v1/admin/requests/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "decision is required"})
		return
	}
	d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Decision, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func actor(c *gin.Context) Actor {
	return Actor{ID: auth.UserID(c), Admin: auth.IsAdmin(c)}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Request not found"})
	case errors.Is(err, users.ErrNotFound), errors.Is(err, packages.ErrNotFound), errors.Is(err, trips.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrKYCRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "kyc_required", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, dispute.ErrReasonRequired), errors.Is(err, dispute.ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrAlreadyCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": "already_cancelled", "message": err.Error()})
	case errors.Is(err, ErrDisputeOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_open", "message": err.Error()})
	case errors.Is(err, dispute.ErrDisputeAlreadyExists), errors.Is(err, dispute.ErrDisputeNotOpen),
		errors.Is(err, dispute.ErrNoDispute), errors.Is(err, dispute.ErrRequestCancelled),
		errors.Is(err, dispute.ErrRequestClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_conflict", "message": err.Error()})
	case errors.Is(err, ErrPaymentRequired):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_required", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Request changed concurrently, retry"})
	case errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrAlreadyCleared),
		errors.Is(err, escrow.ErrNotHeld), errors.Is(err, escrow.ErrNotReceived):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow_state", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientEscrow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case errors.Is(err, trips.ErrInsufficientCapacity), errors.Is(err, trips.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "trip_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request operation failed"})
	}
}
