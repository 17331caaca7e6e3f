package middleware

import (
	"net/http"
	"strings"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// IdentityKey is where middleware stores the verified *domain.Identity in
// the gin context.
const IdentityKey = "identity"

func AuthMiddleware(provider ports.IdentityProvider) gin.HandlerFunc {
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

		identity, err := provider.Verify(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// OptionalAuthMiddleware verifies a bearer token when present and otherwise
// lets the request through anonymously.
func OptionalAuthMiddleware(provider ports.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			if identity, err := provider.Verify(c.Request.Context(), parts[1]); err == nil {
				c.Set(IdentityKey, identity)
			}
		}
		c.Next()
	}
}

// IdentityFromContext returns the verified identity stored by the auth
// middleware, if any.
func IdentityFromContext(c *gin.Context) (*domain.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*domain.Identity)
	return identity, ok
}
