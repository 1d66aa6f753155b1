// Package provisioning turns a paid processor subscription into a party with its
// admin grant, member and subscription ledger row.
//
// The four writes are single statements with no surrounding transaction. Failures
// before the ledger row are compensated by deleting what was written. A failure
// on the ledger row itself is not compensated: the customer has paid, so the party
// survives and the missing row is queued for repair.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/internal/subscriptions"
	"github.com/partyline/backend/pkg/database"
	"github.com/partyline/backend/pkg/queue"
)

// FallbackDisplayName labels a member whose identity has neither a name nor an email.
const FallbackDisplayName = "Adventurer"

const compensateTimeout = 10 * time.Second

// PartyStore persists parties, admin grants and members.
type PartyStore interface {
	Create(ctx context.Context, p *models.Party) error
	Delete(ctx context.Context, id uuid.UUID) error
	AddAdmin(ctx context.Context, g *models.AdminGrant) error
	RemoveAdmin(ctx context.Context, partyID, userID uuid.UUID) error
	AddMember(ctx context.Context, m *models.Member) error
	RemoveMember(ctx context.Context, id uuid.UUID) error
}

// SubscriptionStore persists the subscription ledger.
type SubscriptionStore interface {
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	Create(ctx context.Context, s *models.Subscription) error
	CreateIfAbsent(ctx context.Context, s *models.Subscription) (bool, error)
}

// ProfileLookup reads identity profiles. A nil profile with nil error means unknown.
type ProfileLookup interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Identity, error)
}

// RepairQueue receives degraded provisionings for the repair worker.
type RepairQueue interface {
	EnqueueSubscriptionRepair(ctx context.Context, payload queue.SubscriptionRepairPayload) error
}

// Request is everything needed to provision one paid party.
type Request struct {
	PartyName  string
	Category   string
	IdentityID uuid.UUID
	Email      string
	Snapshot   Snapshot
}

// Provisioner creates the party, admin grant, member and subscription ledger row.
type Provisioner struct {
	parties  PartyStore
	subs     SubscriptionStore
	profiles ProfileLookup
	repairs  RepairQueue
	logger   *zap.Logger
	now      func() time.Time
}

// NewProvisioner creates a provisioner. profiles and repairs may be nil.
func NewProvisioner(parties PartyStore, subs SubscriptionStore, profiles ProfileLookup, repairs RepairQueue, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		parties:  parties,
		subs:     subs,
		profiles: profiles,
		repairs:  repairs,
		logger:   logger,
		now:      time.Now,
	}
}

// Provision creates the party for req and returns its id. A subscription that was
// already provisioned returns the existing party id without writing anything.
//
// Errors: ErrInvalidRequest; a *WriteError (matches ErrRollbackableWrite) after
// compensation; a *DegradedError with a usable party id when only the ledger row failed;
// otherwise a wrapped store error from the idempotency check.
func (p *Provisioner) Provision(ctx context.Context, req Request) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}
	log := p.logger.With(
		zap.String("subscription_id", req.Snapshot.SubscriptionID),
		zap.String("identity_id", req.IdentityID.String()))

	existing, err := p.subs.GetByStripeID(ctx, req.Snapshot.SubscriptionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("look up subscription %s: %w", req.Snapshot.SubscriptionID, err)
	}
	if existing != nil {
		log.Info("subscription already provisioned", zap.String("party_id", existing.PartyID.String()))
		return existing.PartyID, nil
	}

	party := &models.Party{Name: strings.TrimSpace(req.PartyName), Category: req.Category}
	if party.Category == "" {
		party.Category = models.DefaultPartyCategory
	}
	if err := p.parties.Create(ctx, party); err != nil {
		return uuid.Nil, &WriteError{Step: StepParty, Err: err}
	}

	grant := &models.AdminGrant{PartyID: party.ID, UserID: req.IdentityID}
	if err := p.parties.AddAdmin(ctx, grant); err != nil {
		rbErr := p.compensate(ctx, party, nil, nil)
		log.Warn("admin grant failed, party rolled back", zap.Error(err), zap.NamedError("rollback_error", rbErr))
		return uuid.Nil, &WriteError{Step: StepAdminGrant, Err: err, RollbackErr: rbErr}
	}

	member := p.memberFor(ctx, party.ID, req)
	if err := p.parties.AddMember(ctx, member); err != nil {
		rbErr := p.compensate(ctx, party, grant, nil)
		log.Warn("member insert failed, party rolled back", zap.Error(err), zap.NamedError("rollback_error", rbErr))
		return uuid.Nil, &WriteError{Step: StepMember, Err: err, RollbackErr: rbErr}
	}

	row := req.Snapshot.ledgerRow(party.ID, p.now())
	err = p.subs.Create(ctx, row)
	if err == nil {
		log.Info("party provisioned",
			zap.String("party_id", party.ID.String()),
			zap.String("status", string(row.Status)))
		return party.ID, nil
	}

	if database.IsUniqueViolation(err, subscriptions.ConstraintStripeSubscriptionID) {
		winner, lookupErr := p.subs.GetByStripeID(ctx, req.Snapshot.SubscriptionID)
		if lookupErr == nil && winner != nil {
			// A concurrent delivery provisioned first; ours is a duplicate.
			rbErr := p.compensate(ctx, party, grant, member)
			log.Info("concurrent provisioning won the race",
				zap.String("party_id", winner.PartyID.String()),
				zap.String("discarded_party_id", party.ID.String()),
				zap.NamedError("rollback_error", rbErr))
			return winner.PartyID, nil
		}
	}

	degraded := &DegradedError{PartyID: party.ID, SubscriptionID: req.Snapshot.SubscriptionID, Err: err}
	log.Error("subscription ledger write failed after payment, manual reconciliation required",
		zap.String("party_id", party.ID.String()),
		zap.String("customer_id", req.Snapshot.CustomerID),
		zap.Error(err))
	p.enqueueRepair(ctx, degraded)
	return party.ID, degraded
}

// RepairSubscription writes the ledger row for a party whose provisioning degraded.
// It is idempotent: an existing row for the subscription is left alone, and when that
// row belongs to another party the repaired party is removed as a duplicate.
func (p *Provisioner) RepairSubscription(ctx context.Context, partyID uuid.UUID, snap Snapshot) error {
	if partyID == uuid.Nil || snap.SubscriptionID == "" {
		return ErrInvalidRequest
	}
	row := snap.ledgerRow(partyID, p.now())
	created, err := p.subs.CreateIfAbsent(ctx, row)
	if err != nil {
		return fmt.Errorf("repair subscription %s: %w", snap.SubscriptionID, err)
	}
	log := p.logger.With(zap.String("party_id", partyID.String()), zap.String("subscription_id", snap.SubscriptionID))
	if !created {
		existing, err := p.subs.GetByStripeID(ctx, snap.SubscriptionID)
		if err != nil {
			return fmt.Errorf("repair subscription %s: %w", snap.SubscriptionID, err)
		}
		if existing == nil || existing.PartyID == partyID {
			log.Info("subscription ledger row already present")
			return nil
		}
		// A later event provisioned the subscription again before the repair ran. The
		// owner keeps it; this party has no ledger row and duplicates the owner's.
		if err := p.parties.Delete(ctx, partyID); err != nil {
			return fmt.Errorf("remove duplicate party %s: %w", partyID, err)
		}
		log.Warn("removed duplicate party left by degraded provisioning",
			zap.String("owner_party_id", existing.PartyID.String()))
		return nil
	}
	log.Info("subscription ledger row repaired", zap.String("status", string(row.Status)))
	return nil
}

func (p *Provisioner) memberFor(ctx context.Context, partyID uuid.UUID, req Request) *models.Member {
	var profile *models.Identity
	if p.profiles != nil {
		var err error
		profile, err = p.profiles.GetProfile(ctx, req.IdentityID)
		if err != nil {
			p.logger.Warn("profile lookup failed, using fallback display name",
				zap.String("identity_id", req.IdentityID.String()), zap.Error(err))
			profile = nil
		}
	}
	email := strings.TrimSpace(req.Email)
	name := ""
	if profile != nil {
		name = strings.TrimSpace(profile.DisplayName)
		if profile.Email != "" {
			email = profile.Email
		}
	}
	if name == "" {
		name = email
	}
	if name == "" {
		name = FallbackDisplayName
	}
	userID := req.IdentityID
	m := &models.Member{PartyID: partyID, UserID: &userID, DisplayName: name}
	if email != "" {
		m.Email = &email
	}
	return m
}

// compensate deletes this attempt's writes in reverse order. It runs on a context
// detached from the caller's cancellation so a dropped request cannot strand rows.
func (p *Provisioner) compensate(ctx context.Context, party *models.Party, grant *models.AdminGrant, member *models.Member) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	var errs []error
	if member != nil {
		if err := p.parties.RemoveMember(ctx, member.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove member: %w", err))
		}
	}
	if grant != nil {
		if err := p.parties.RemoveAdmin(ctx, grant.PartyID, grant.UserID); err != nil {
			errs = append(errs, fmt.Errorf("remove admin: %w", err))
		}
	}
	if err := p.parties.Delete(ctx, party.ID); err != nil {
		errs = append(errs, fmt.Errorf("delete party: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Provisioner) enqueueRepair(ctx context.Context, d *DegradedError) {
	if p.repairs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	payload := queue.SubscriptionRepairPayload{
		PartyID:              d.PartyID,
		StripeSubscriptionID: d.SubscriptionID,
		Reason:               d.Err.Error(),
	}
	if err := p.repairs.EnqueueSubscriptionRepair(ctx, payload); err != nil {
		p.logger.Error("enqueue subscription repair failed",
			zap.String("party_id", d.PartyID.String()),
			zap.String("subscription_id", d.SubscriptionID),
			zap.Error(err))
	}
}

func (r Request) validate() error {
	switch {
	case r.Snapshot.SubscriptionID == "":
		return fmt.Errorf("%w: missing subscription id", ErrInvalidRequest)
	case r.IdentityID == uuid.Nil:
		return fmt.Errorf("%w: missing identity", ErrInvalidRequest)
	case strings.TrimSpace(r.PartyName) == "":
		return fmt.Errorf("%w: missing party name", ErrInvalidRequest)
	}
	return nil
}
