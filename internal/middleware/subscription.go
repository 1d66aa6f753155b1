package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/pkg/response"
)

// PartyAccess is what the gate needs to decide whether a caller may use a party.
type PartyAccess interface {
	IsMember(ctx context.Context, partyID, userID uuid.UUID) (bool, error)
	GetByPartyID(ctx context.Context, partyID uuid.UUID) (*models.Subscription, error)
}

// RequireActiveSubscription allows the request only when the caller belongs to the party
// named by the :id path parameter and its subscription grants access. Must run after JWT.
func RequireActiveSubscription(access PartyAccess) gin.HandlerFunc {
	return func(c *gin.Context) {
		userVal, ok := c.Get(ContextUserID)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		userID, _ := userVal.(uuid.UUID)
		partyID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid party id")
			c.Abort()
			return
		}
		ctx := c.Request.Context()
		member, err := access.IsMember(ctx, partyID, userID)
		if err != nil {
			response.Internal(c, "failed to check party membership")
			c.Abort()
			return
		}
		if !member {
			response.Forbidden(c, "not a member of this party")
			c.Abort()
			return
		}
		sub, err := access.GetByPartyID(ctx, partyID)
		if err != nil {
			response.Internal(c, "failed to load subscription")
			c.Abort()
			return
		}
		if !sub.GrantsAccess() {
			response.PaymentRequired(c, "party subscription is not active")
			c.Abort()
			return
		}
		c.Set(ContextSubscription, sub)
		c.Next()
	}
}
