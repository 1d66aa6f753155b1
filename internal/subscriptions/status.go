package subscriptions

import (
	"strings"

	"github.com/partyline/backend/internal/models"
)

// MapStatus converts a processor subscription status to the local status.
// The mapping is total: unknown values become expired.
func MapStatus(processorStatus string) models.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(processorStatus)) {
	case "active", "trialing":
		return models.SubscriptionActive
	case "past_due":
		return models.SubscriptionPastDue
	case "canceled", "unpaid":
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionExpired
	}
}
