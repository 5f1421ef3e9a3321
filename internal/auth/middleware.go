package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/baggo/baggo/internal/logging"
)

const (
	// ContextKeyUserID is the key for the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for the authenticated role in gin context
	ContextKeyRole = "authRole"
)

// Middleware reads an optional bearer token and, when valid, records the
// user id and role in the gin context and the actor in the request context.
func Middleware(iss *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw != "" {
			if claims, err := iss.Verify(raw); err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
				c.Set(ContextKeyRole, claims.Role)
				c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), claims.Subject))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests not made by an admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the authenticated user is an admin.
func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextKeyRole) == RoleAdmin
}

// IsSelfOrAdmin reports whether the caller is userID or an admin.
func IsSelfOrAdmin(c *gin.Context, userID string) bool {
	return IsAdmin(c) || (userID != "" && UserID(c) == userID)
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
