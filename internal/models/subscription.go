package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the local view of a processor subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// Subscription is the ledger row tying a party to its processor subscription.
// There is at most one per party and one per external subscription id.
type Subscription struct {
	ID                   uuid.UUID          `json:"id"`
	PartyID              uuid.UUID          `json:"party_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// GrantsAccess reports whether the party's features should be available.
func (s *Subscription) GrantsAccess() bool {
	return s != nil && (s.Status == SubscriptionActive || s.Status == SubscriptionPastDue)
}
