package packages

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/validation"
)

// Handler provides HTTP endpoints for packages
type Handler struct {
	service *Service
}

// NewHandler creates a new package handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up package routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/packages", h.CreatePackage)
	r.GET("/packages", h.ListMyPackages)
	r.GET("/packages/:id", h.GetPackage)
}

// CreatePackage handles POST /v1/packages
func (h *Handler) CreatePackage(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Amount("value", req.Value),
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	p, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"package": p})
}

// ListMyPackages handles GET /v1/packages
func (h *Handler) ListMyPackages(c *gin.Context) {
	list, err := h.service.ListBySender(c.Request.Context(), auth.UserID(c), validation.Limit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": list, "count": len(list)})
}

// GetPackage handles GET /v1/packages/:id
func (h *Handler) GetPackage(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if p.SenderID != auth.UserID(c) && !auth.IsAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Package not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": p})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Package not found"})
	case errors.Is(err, ErrInvalidPackage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Package operation failed"})
	}
}
