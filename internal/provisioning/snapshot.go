package provisioning

import (
	"time"

	"github.com/google/uuid"

	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/internal/subscriptions"
)

// DefaultBillingWindow is assumed when the processor omits the period bounds.
const DefaultBillingWindow = 365 * 24 * time.Hour

// Snapshot is the processor's subscription state at provisioning time.
type Snapshot struct {
	SubscriptionID    string
	CustomerID        string
	Status            string // processor status, mapped on write
	Created           time.Time
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// SnapshotFromProcessor copies the fields provisioning needs.
func SnapshotFromProcessor(s *billing.Subscription) Snapshot {
	return Snapshot{
		SubscriptionID:    s.ID,
		CustomerID:        s.CustomerID,
		Status:            s.Status,
		Created:           s.Created,
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
}

// Period returns the billing window, falling back to one year from creation
// (or from now, if the creation time is unknown too).
func (s Snapshot) Period(now time.Time) (time.Time, time.Time) {
	if s.PeriodStart != nil && s.PeriodEnd != nil {
		return s.PeriodStart.UTC(), s.PeriodEnd.UTC()
	}
	created := s.Created
	if created.IsZero() {
		created = now
	}
	created = created.UTC()
	return created, created.Add(DefaultBillingWindow)
}

// ledgerRow builds the subscription row for partyID.
func (s Snapshot) ledgerRow(partyID uuid.UUID, now time.Time) *models.Subscription {
	start, end := s.Period(now)
	return &models.Subscription{
		PartyID:              partyID,
		StripeSubscriptionID: s.SubscriptionID,
		StripeCustomerID:     s.CustomerID,
		Status:               subscriptions.MapStatus(s.Status),
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
		CancelAtPeriodEnd:    s.CancelAtPeriodEnd,
	}
}
