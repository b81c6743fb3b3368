package middleware

import (
	"net/http"
	"strings"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	"tripsync/internal/core/services"
	"tripsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		token := parts[1]
		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		// Store user info in context
		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Request = c.Request.WithContext(logger.WithUser(c.Request.Context(), string(claims.UserID)))
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			token := parts[1]
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set("user_id", claims.UserID)
				c.Set("username", claims.Username)
			}
		}

		c.Next()
	}
}

// RequireAction loads the resource addressed by the :type/:id route params
// and aborts unless the authenticated user may perform the action on it.
// The loaded resource is stored under "resource" for the handler.
func RequireAction(perms ports.PermissionService, resources ports.ResourceRepository, action domain.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		userIDVal, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		userID, ok := userIDVal.(domain.UserID)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user context"})
			c.Abort()
			return
		}

		resourceType := domain.ResourceType(c.Param("type"))
		if !resourceType.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource type"})
			c.Abort()
			return
		}
		resourceID := domain.ResourceID(c.Param("id"))
		if resourceID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resource id required"})
			c.Abort()
			return
		}

		resource, err := resources.GetByID(c.Request.Context(), resourceType, resourceID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
			c.Abort()
			return
		}

		decision := perms.Can(c.Request.Context(), userID, resource, action)
		if !decision.Allowed {
			c.JSON(http.StatusForbidden, gin.H{
				"error":  "insufficient permissions",
				"reason": decision.Reason,
			})
			c.Abort()
			return
		}

		c.Set("resource", resource)
		c.Next()
	}
}
