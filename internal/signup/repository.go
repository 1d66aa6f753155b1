package signup

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

const columns = `id, email, party_name, category, stripe_customer_id, stripe_subscription_id,
	payment_completed, user_id, expires_at, created_at, updated_at`

// Repository handles pending_signups persistence.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository creates a pending signup repository. Each statement is bounded by timeout.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	return &Repository{pool: pool, timeout: timeout}
}

// Create inserts a pending signup. The caller chooses the ID so it can be sent to the processor first.
func (r *Repository) Create(ctx context.Context, p *models.PendingSignup) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `INSERT INTO pending_signups (id, email, party_name, category, stripe_customer_id,
		stripe_subscription_id, payment_completed, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, p.ID, p.Email, p.PartyName, p.Category, p.StripeCustomerID,
		p.StripeSubscriptionID, p.PaymentCompleted, p.ExpiresAt).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetByID returns a pending signup by ID, or nil if none.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.PendingSignup, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	q := `SELECT ` + columns + ` FROM pending_signups WHERE id = $1`
	return scanOne(r.pool.QueryRow(ctx, q, id))
}

// FindActiveByEmail returns the signup a restarted flow should resume: unlinked and not
// expired at now, preferring one whose payment is already confirmed, then the newest.
func (r *Repository) FindActiveByEmail(ctx context.Context, email string, now time.Time) (*models.PendingSignup, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	q := `SELECT ` + columns + ` FROM pending_signups
		WHERE lower(email) = lower($1) AND user_id IS NULL AND expires_at > $2
		ORDER BY payment_completed DESC, created_at DESC
		LIMIT 1`
	return scanOne(r.pool.QueryRow(ctx, q, email, now))
}

// GetBySubscriptionID returns the signup holding the processor subscription, or nil if none.
func (r *Repository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.PendingSignup, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	q := `SELECT ` + columns + ` FROM pending_signups WHERE stripe_subscription_id = $1`
	return scanOne(r.pool.QueryRow(ctx, q, subscriptionID))
}

// MarkPaymentConfirmed sets the payment flag on an unlinked signup.
// It reports whether this call made the transition.
func (r *Repository) MarkPaymentConfirmed(ctx context.Context, subscriptionID string) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `UPDATE pending_signups SET payment_completed = TRUE, updated_at = NOW()
		WHERE stripe_subscription_id = $1 AND payment_completed = FALSE AND user_id IS NULL`
	tag, err := r.pool.Exec(ctx, q, subscriptionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LinkIdentity sets the identity on an unlinked signup, making it terminal.
// It reports whether this call made the link.
func (r *Repository) LinkIdentity(ctx context.Context, id, identityID uuid.UUID) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `UPDATE pending_signups SET user_id = $2, updated_at = NOW()
		WHERE id = $1 AND user_id IS NULL`
	tag, err := r.pool.Exec(ctx, q, id, identityID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanOne(row pgx.Row) (*models.PendingSignup, error) {
	var p models.PendingSignup
	err := row.Scan(&p.ID, &p.Email, &p.PartyName, &p.Category, &p.StripeCustomerID, &p.StripeSubscriptionID,
		&p.PaymentCompleted, &p.UserID, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
