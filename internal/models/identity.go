package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the profile of an authenticated account, as read from the users table.
type Identity struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}
