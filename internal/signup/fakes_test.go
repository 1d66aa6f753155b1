package signup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/pkg/redis"
)

type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.PendingSignup
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID]models.PendingSignup{}}
}

func (m *memStore) Create(_ context.Context, p *models.PendingSignup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.rows[p.ID] = *p
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.PendingSignup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.rows[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memStore) FindActiveByEmail(_ context.Context, email string, now time.Time) (*models.PendingSignup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.PendingSignup
	for _, p := range m.rows {
		if !strings.EqualFold(p.Email, email) || p.UserID != nil || !p.ExpiresAt.After(now) {
			continue
		}
		p := p
		if best == nil ||
			(p.PaymentCompleted && !best.PaymentCompleted) ||
			(p.PaymentCompleted == best.PaymentCompleted && p.CreatedAt.After(best.CreatedAt)) {
			best = &p
		}
	}
	return best, nil
}

func (m *memStore) GetBySubscriptionID(_ context.Context, subID string) (*models.PendingSignup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.StripeSubscriptionID == subID {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *memStore) MarkPaymentConfirmed(_ context.Context, subID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.rows {
		if p.StripeSubscriptionID == subID && !p.PaymentCompleted && p.UserID == nil {
			p.PaymentCompleted = true
			m.rows[id] = p
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LinkIdentity(_ context.Context, id, identityID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.UserID != nil {
		return false, nil
	}
	p.UserID = &identityID
	m.rows[id] = p
	return true, nil
}

// put stores a record directly, bypassing Start.
func (m *memStore) put(p models.PendingSignup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[name] {
		return nil, redis.ErrLockHeld
	}
	l.held[name] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		return nil
	}, nil
}
