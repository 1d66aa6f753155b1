// Package provisioningtest provides in-memory party and subscription stores for tests.
package provisioningtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/internal/subscriptions"
)

// Store keeps parties, grants, members and subscriptions in memory and enforces the
// schema's uniqueness on stripe_subscription_id and party_id. Parties and Ledger
// expose it through the two store interfaces the provisioner consumes.
// Fail* hooks, when set, are consulted before the matching write.
type Store struct {
	mu            sync.Mutex
	parties       map[uuid.UUID]models.Party
	admins        []models.AdminGrant
	members       map[uuid.UUID]models.Member
	subscriptions map[string]models.Subscription

	FailCreateParty        func() error
	FailAddAdmin           func() error
	FailAddMember          func() error
	FailCreateSubscription func(*models.Subscription) error
	// BeforeSubscriptionInsert runs just before the uniqueness check, to stage races.
	BeforeSubscriptionInsert func()
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		parties:       map[uuid.UUID]models.Party{},
		members:       map[uuid.UUID]models.Member{},
		subscriptions: map[string]models.Subscription{},
	}
}

// Parties returns the party/grant/member view.
func (s *Store) Parties() *Parties { return &Parties{s} }

// Ledger returns the subscription view.
func (s *Store) Ledger() *Ledger { return &Ledger{s} }

// Counts reports the number of parties, admin grants, members and subscriptions.
func (s *Store) Counts() (parties, admins, members, subs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parties), len(s.admins), len(s.members), len(s.subscriptions)
}

// PartyList returns every stored party.
func (s *Store) PartyList() []models.Party {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Party, 0, len(s.parties))
	for _, p := range s.parties {
		out = append(out, p)
	}
	return out
}

// AdminList returns every admin grant.
func (s *Store) AdminList() []models.AdminGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AdminGrant(nil), s.admins...)
}

// MemberList returns every member.
func (s *Store) MemberList() []models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// Parties implements provisioning.PartyStore.
type Parties struct{ s *Store }

func (p *Parties) Create(_ context.Context, party *models.Party) error {
	if p.s.FailCreateParty != nil {
		if err := p.s.FailCreateParty(); err != nil {
			return err
		}
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	party.ID = uuid.New()
	party.CreatedAt = time.Now()
	p.s.parties[party.ID] = *party
	return nil
}

// Delete removes the party and cascades like the schema does.
func (p *Parties) Delete(_ context.Context, id uuid.UUID) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	delete(p.s.parties, id)
	kept := p.s.admins[:0]
	for _, g := range p.s.admins {
		if g.PartyID != id {
			kept = append(kept, g)
		}
	}
	p.s.admins = kept
	for mid, m := range p.s.members {
		if m.PartyID == id {
			delete(p.s.members, mid)
		}
	}
	for sid, sub := range p.s.subscriptions {
		if sub.PartyID == id {
			delete(p.s.subscriptions, sid)
		}
	}
	return nil
}

func (p *Parties) AddAdmin(_ context.Context, g *models.AdminGrant) error {
	if p.s.FailAddAdmin != nil {
		if err := p.s.FailAddAdmin(); err != nil {
			return err
		}
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	g.CreatedAt = time.Now()
	p.s.admins = append(p.s.admins, *g)
	return nil
}

func (p *Parties) RemoveAdmin(_ context.Context, partyID, userID uuid.UUID) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	kept := p.s.admins[:0]
	for _, g := range p.s.admins {
		if g.PartyID != partyID || g.UserID != userID {
			kept = append(kept, g)
		}
	}
	p.s.admins = kept
	return nil
}

func (p *Parties) AddMember(_ context.Context, m *models.Member) error {
	if p.s.FailAddMember != nil {
		if err := p.s.FailAddMember(); err != nil {
			return err
		}
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	p.s.members[m.ID] = *m
	return nil
}

func (p *Parties) RemoveMember(_ context.Context, id uuid.UUID) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	delete(p.s.members, id)
	return nil
}

// IsMember reports roster or admin membership.
func (p *Parties) IsMember(_ context.Context, partyID, userID uuid.UUID) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, m := range p.s.members {
		if m.PartyID == partyID && m.UserID != nil && *m.UserID == userID {
			return true, nil
		}
	}
	for _, g := range p.s.admins {
		if g.PartyID == partyID && g.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Ledger implements provisioning.SubscriptionStore and subscriptions.Store.
type Ledger struct{ s *Store }

func (l *Ledger) GetByStripeID(_ context.Context, id string) (*models.Subscription, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if sub, ok := l.s.subscriptions[id]; ok {
		return &sub, nil
	}
	return nil, nil
}

func (l *Ledger) GetByPartyID(_ context.Context, partyID uuid.UUID) (*models.Subscription, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, sub := range l.s.subscriptions {
		if sub.PartyID == partyID {
			return &sub, nil
		}
	}
	return nil, nil
}

// Create fails with a unique violation when the external id or party already has a row.
func (l *Ledger) Create(_ context.Context, sub *models.Subscription) error {
	if l.s.FailCreateSubscription != nil {
		if err := l.s.FailCreateSubscription(sub); err != nil {
			return err
		}
	}
	if l.s.BeforeSubscriptionInsert != nil {
		l.s.BeforeSubscriptionInsert()
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if err := l.conflict(sub); err != nil {
		return err
	}
	l.insert(sub)
	return nil
}

func (l *Ledger) CreateIfAbsent(_ context.Context, sub *models.Subscription) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.conflict(sub) != nil {
		return false, nil
	}
	l.insert(sub)
	return true, nil
}

func (l *Ledger) UpdateState(_ context.Context, id string, status models.SubscriptionStatus, start, end *time.Time, cancel bool) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	sub, ok := l.s.subscriptions[id]
	if !ok {
		return false, nil
	}
	sub.Status = status
	if start != nil {
		sub.CurrentPeriodStart = *start
	}
	if end != nil {
		sub.CurrentPeriodEnd = *end
	}
	sub.CancelAtPeriodEnd = cancel
	sub.UpdatedAt = time.Now()
	l.s.subscriptions[id] = sub
	return true, nil
}

func (l *Ledger) UpdateStatus(_ context.Context, id string, status models.SubscriptionStatus) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	sub, ok := l.s.subscriptions[id]
	if !ok {
		return false, nil
	}
	sub.Status = status
	sub.UpdatedAt = time.Now()
	l.s.subscriptions[id] = sub
	return true, nil
}

func (l *Ledger) conflict(sub *models.Subscription) error {
	if _, ok := l.s.subscriptions[sub.StripeSubscriptionID]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: subscriptions.ConstraintStripeSubscriptionID}
	}
	for _, existing := range l.s.subscriptions {
		if existing.PartyID == sub.PartyID {
			return &pgconn.PgError{Code: "23505", ConstraintName: "subscriptions_party_id_key"}
		}
	}
	return nil
}

func (l *Ledger) insert(sub *models.Subscription) {
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	l.s.subscriptions[sub.StripeSubscriptionID] = *sub
}

// IsAdmin reports whether userID holds an admin grant on the party.
func (p *Parties) IsAdmin(_ context.Context, partyID, userID uuid.UUID) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, g := range p.s.admins {
		if g.PartyID == partyID && g.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}
