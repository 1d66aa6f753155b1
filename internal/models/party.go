package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultPartyCategory is used when signup does not name a game category.
const DefaultPartyCategory = "general"

// Party is a gaming group. Access to its scheduling features is gated by a Subscription.
type Party struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	IsDemo    bool      `json:"is_demo"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminGrant gives an identity administrative rights over a party.
type AdminGrant struct {
	PartyID   uuid.UUID `json:"party_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a roster entry. UserID and Email are nil for players without an account.
type Member struct {
	ID          uuid.UUID  `json:"id"`
	PartyID     uuid.UUID  `json:"party_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	DisplayName string     `json:"display_name"`
	Email       *string    `json:"email,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
