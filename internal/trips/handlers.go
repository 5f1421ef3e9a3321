package trips

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/validation"
)

// Handler provides HTTP endpoints for trips
type Handler struct {
	service *Service
}

// NewHandler creates a new trip handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trip routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trips", h.CreateTrip)
	r.GET("/trips", h.ListMyTrips)
	r.GET("/trips/:id", h.GetTrip)
	r.PUT("/trips/:id", h.UpdateTrip)
	r.POST("/trips/:id/reviews", h.AddReview)
}

type tripView struct {
	*Trip
	TotalReviews  int    `json:"totalReviews"`
	AverageRating string `json:"averageRating"`
}

func view(t *Trip) tripView {
	return tripView{Trip: t, TotalReviews: len(t.Reviews), AverageRating: t.AverageRating().StringFixed(2)}
}

// CreateTrip handles POST /v1/trips
func (h *Handler) CreateTrip(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	t, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trip": view(t)})
}

// ListMyTrips handles GET /v1/trips
func (h *Handler) ListMyTrips(c *gin.Context) {
	list, err := h.service.ListByTraveler(c.Request.Context(), auth.UserID(c), validation.Limit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]tripView, 0, len(list))
	for _, t := range list {
		views = append(views, view(t))
	}
	c.JSON(http.StatusOK, gin.H{"trips": views, "count": len(views)})
}

// GetTrip handles GET /v1/trips/:id
func (h *Handler) GetTrip(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": view(t)})
}

// UpdateTrip handles PUT /v1/trips/:id
func (h *Handler) UpdateTrip(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	t, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": view(t)})
}

// ReviewRequest is the body of POST /v1/trips/:id/reviews
type ReviewRequest struct {
	Rating  *int   `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// AddReview handles POST /v1/trips/:id/reviews
func (h *Handler) AddReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.MaxLength("comment", req.Comment, validation.MaxTextLength)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	t, err := h.service.AddReview(c.Request.Context(), c.Param("id"), auth.UserID(c), *req.Rating, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trip": view(t)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Trip not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidTrip), errors.Is(err, ErrInvalidRating):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInsufficientCapacity), errors.Is(err, ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Trip operation failed"})
	}
}
