package subscriptions

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

// ConstraintStripeSubscriptionID is the unique constraint that backstops concurrent provisioning.
const ConstraintStripeSubscriptionID = "subscriptions_stripe_subscription_id_key"

const columns = `id, party_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

// Repository handles subscription ledger persistence.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository creates a subscriptions repository. Each statement is bounded by timeout.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	return &Repository{pool: pool, timeout: timeout}
}

// Create inserts a subscription row. A duplicate stripe_subscription_id or party_id
// surfaces as a unique violation.
func (r *Repository) Create(ctx context.Context, s *models.Subscription) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `INSERT INTO subscriptions (party_id, stripe_subscription_id, stripe_customer_id, status,
		current_period_start, current_period_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.PartyID, s.StripeSubscriptionID, s.StripeCustomerID, string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// CreateIfAbsent inserts the row unless one already exists for the external id or party.
// It reports whether a row was written.
func (r *Repository) CreateIfAbsent(ctx context.Context, s *models.Subscription) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `INSERT INTO subscriptions (party_id, stripe_subscription_id, stripe_customer_id, status,
		current_period_start, current_period_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, s.PartyID, s.StripeSubscriptionID, s.StripeCustomerID, string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetByStripeID returns the subscription for an external subscription id, or nil if none.
func (r *Repository) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	q := `SELECT ` + columns + ` FROM subscriptions WHERE stripe_subscription_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, stripeSubscriptionID))
}

// GetByPartyID returns the party's subscription, or nil if none.
func (r *Repository) GetByPartyID(ctx context.Context, partyID uuid.UUID) (*models.Subscription, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	q := `SELECT ` + columns + ` FROM subscriptions WHERE party_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, partyID))
}

// UpdateState overwrites status and cancel flag; nil period bounds keep the stored values.
// It reports whether a row matched.
func (r *Repository) UpdateState(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus, start, end *time.Time, cancelAtPeriodEnd bool) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `UPDATE subscriptions SET
		status = $2,
		current_period_start = COALESCE($3, current_period_start),
		current_period_end = COALESCE($4, current_period_end),
		cancel_at_period_end = $5,
		updated_at = NOW()
		WHERE stripe_subscription_id = $1`
	tag, err := r.pool.Exec(ctx, q, stripeSubscriptionID, string(status), start, end, cancelAtPeriodEnd)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStatus changes only the status. It reports whether a row matched.
func (r *Repository) UpdateStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE stripe_subscription_id = $1`
	tag, err := r.pool.Exec(ctx, q, stripeSubscriptionID, string(status))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) scanOne(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	var status string
	err := row.Scan(&s.ID, &s.PartyID, &s.StripeSubscriptionID, &s.StripeCustomerID, &status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Status = models.SubscriptionStatus(status)
	return &s, nil
}
