package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/crm-api/internal/models"
	appErrors "github.com/relaycrm/crm-api/pkg/errors"
	"github.com/relaycrm/crm-api/pkg/response"
)

// ContextUserKey is the gin context key storing verified access claims.
const ContextUserKey = "currentUser"

// AccessTokenVerifier verifies bearer access tokens.
type AccessTokenVerifier interface {
	ValidateAccessToken(tokenString string) (*models.AccessClaims, error)
}

// JWT protects routes by requiring a valid access token.
func JWT(verifier AccessTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := verifier.ValidateAccessToken(parts[1])
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// OptionalJWT attaches claims when present but does not block.
func OptionalJWT(verifier AccessTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.Next()
			return
		}

		claims, err := verifier.ValidateAccessToken(parts[1])
		if err != nil {
			c.Next()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}
