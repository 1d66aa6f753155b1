package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/partyline/backend/pkg/response"
)

const (
	// ContextUserID is the key for the resolved identity ID in gin context.
	ContextUserID = "user_id"
	// ContextSubscription is the key for the party subscription loaded by RequireActiveSubscription.
	ContextSubscription = "party_subscription"
)

// IdentityResolver maps a bearer credential to an identity.
type IdentityResolver interface {
	ResolveIdentity(credential string) (uuid.UUID, error)
}

// JWT returns a middleware that resolves the bearer token and sets the identity in context.
func JWT(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		userID, err := resolver.ResolveIdentity(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}
