package parties

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/pkg/database"
)

// Repository handles party, party_admins and party_members persistence.
// Each method is a single statement; callers sequence them and compensate on failure.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository creates a parties repository. Each statement is bounded by timeout.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	return &Repository{pool: pool, timeout: timeout}
}

// Create inserts a party.
func (r *Repository) Create(ctx context.Context, p *models.Party) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `INSERT INTO parties (id, name, category, is_demo)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, p.Name, p.Category, p.IsDemo).Scan(&p.ID, &p.CreatedAt)
}

// Delete removes a party. Grants and members cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `DELETE FROM parties WHERE id = $1`, id)
	return err
}

// GetByID returns a party by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `SELECT id, name, category, is_demo, created_at FROM parties WHERE id = $1`
	var p models.Party
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.Category, &p.IsDemo, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddAdmin grants userID admin rights over the party.
func (r *Repository) AddAdmin(ctx context.Context, g *models.AdminGrant) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `INSERT INTO party_admins (party_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (party_id, user_id) DO UPDATE SET party_id = EXCLUDED.party_id
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, g.PartyID, g.UserID).Scan(&g.CreatedAt)
}

// RemoveAdmin deletes an admin grant.
func (r *Repository) RemoveAdmin(ctx context.Context, partyID, userID uuid.UUID) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `DELETE FROM party_admins WHERE party_id = $1 AND user_id = $2`, partyID, userID)
	return err
}

// AddMember inserts a roster entry.
func (r *Repository) AddMember(ctx context.Context, m *models.Member) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `INSERT INTO party_members (id, party_id, user_id, display_name, email)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, m.PartyID, m.UserID, m.DisplayName, m.Email).Scan(&m.ID, &m.CreatedAt)
}

// RemoveMember deletes a roster entry by ID.
func (r *Repository) RemoveMember(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `DELETE FROM party_members WHERE id = $1`, id)
	return err
}

// ListForUser returns parties the user is a member or admin of (for GET /parties).
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Party, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `SELECT p.id, p.name, p.category, p.is_demo, p.created_at
		FROM parties p
		WHERE EXISTS (SELECT 1 FROM party_members m WHERE m.party_id = p.id AND m.user_id = $1)
		   OR EXISTS (SELECT 1 FROM party_admins a WHERE a.party_id = p.id AND a.user_id = $1)
		ORDER BY p.name`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Party
	for rows.Next() {
		var p models.Party
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.IsDemo, &p.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

// IsMember reports whether the user is on the party roster or holds an admin grant.
func (r *Repository) IsMember(ctx context.Context, partyID, userID uuid.UUID) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `SELECT EXISTS (SELECT 1 FROM party_members WHERE party_id = $1 AND user_id = $2)
		OR EXISTS (SELECT 1 FROM party_admins WHERE party_id = $1 AND user_id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, partyID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// IsAdmin reports whether the user holds an admin grant on the party.
func (r *Repository) IsAdmin(ctx context.Context, partyID, userID uuid.UUID) (bool, error) {
	ctx, cancel := database.WithStatementTimeout(ctx, r.timeout)
	defer cancel()
	const q = `SELECT EXISTS (SELECT 1 FROM party_admins WHERE party_id = $1 AND user_id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, q, partyID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
