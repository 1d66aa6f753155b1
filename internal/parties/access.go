package parties

import (
	"context"

	"github.com/google/uuid"

	"github.com/partyline/backend/internal/models"
)

// SubscriptionReader loads a party's subscription.
type SubscriptionReader interface {
	GetByPartyID(ctx context.Context, partyID uuid.UUID) (*models.Subscription, error)
}

// Access combines membership and subscription lookups for middleware.RequireActiveSubscription.
type Access struct {
	*Repository
	SubscriptionReader
}
