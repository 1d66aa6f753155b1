package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/pkg/database"
)

// Repository reads the identity profile table.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository creates an identity repository. Each statement is bounded by timeout.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	return &Repository{pool: pool, timeout: timeout}
}

// GetProfile returns the identity's profile, or nil if the provider has not synced it yet.
func (r *Repository) GetProfile(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `SELECT id, email, display_name, created_at FROM users WHERE id = $1`
	var u models.Identity
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
