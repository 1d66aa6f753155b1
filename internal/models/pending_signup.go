package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingSignupState is derived from the stored columns, never stored itself.
type PendingSignupState string

const (
	PendingSignupCreated          PendingSignupState = "created"
	PendingSignupPaymentConfirmed PendingSignupState = "payment_confirmed"
	PendingSignupCompleted        PendingSignupState = "completed"
	PendingSignupExpired          PendingSignupState = "expired"
)

// PendingSignup is a paid-for party whose purchaser has no account yet.
// It never grants access on its own.
type PendingSignup struct {
	ID                   uuid.UUID  `json:"id"`
	Email                string     `json:"email"`
	PartyName            string     `json:"party_name"`
	Category             string     `json:"category"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	PaymentCompleted     bool       `json:"payment_completed"`
	UserID               *uuid.UUID `json:"user_id,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// State returns the signup's position in its lifecycle at the given instant.
// A linked signup is completed regardless of expiry.
func (p *PendingSignup) State(now time.Time) PendingSignupState {
	switch {
	case p.UserID != nil:
		return PendingSignupCompleted
	case !now.Before(p.ExpiresAt):
		return PendingSignupExpired
	case p.PaymentCompleted:
		return PendingSignupPaymentConfirmed
	default:
		return PendingSignupCreated
	}
}
