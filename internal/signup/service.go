// Package signup runs the pre-account purchase flow: a visitor pays for a party
// before they have an identity, and claims it after authenticating.
//
// A pending signup moves created -> payment_confirmed -> completed. Expiry is
// evaluated when the record is read; nothing sweeps old rows.
package signup

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/pkg/redis"
)

const (
	// DefaultPendingTTL is how long a pending signup stays claimable.
	DefaultPendingTTL = 24 * time.Hour
	defaultLockTTL    = 30 * time.Second
	maxPartyNameLen   = 255
)

// DefaultRequestTimeout bounds Start and Complete end to end.
const DefaultRequestTimeout = 25 * time.Second

var (
	ErrNotFound            = errors.New("pending signup not found")
	ErrAlreadyCompleted    = errors.New("pending signup already completed")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed yet")
	ErrExpired             = errors.New("pending signup expired")
	ErrSignupInProgress    = errors.New("a signup for this email is already in progress")
	ErrInvalidInput        = errors.New("invalid signup input")
)

// Store persists pending signups.
type Store interface {
	Create(ctx context.Context, p *models.PendingSignup) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PendingSignup, error)
	FindActiveByEmail(ctx context.Context, email string, now time.Time) (*models.PendingSignup, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.PendingSignup, error)
	MarkPaymentConfirmed(ctx context.Context, subscriptionID string) (bool, error)
	LinkIdentity(ctx context.Context, id, identityID uuid.UUID) (bool, error)
}

// Locker serializes concurrent starts for one email.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Provisioner creates the party once the purchaser is known.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (uuid.UUID, error)
}

// AdminGrants reads and writes party admin grants.
type AdminGrants interface {
	IsAdmin(ctx context.Context, partyID, userID uuid.UUID) (bool, error)
	AddAdmin(ctx context.Context, g *models.AdminGrant) error
}

// Config tunes the service.
type Config struct {
	PriceID        string
	PendingTTL     time.Duration
	LockTTL        time.Duration
	RequestTimeout time.Duration
}

// StartInput is the public signup form.
type StartInput struct {
	Email     string
	PartyName string
	Category  string
}

// StartResult tells the payment UI what to do next. ClientSecret is empty when
// payment was already confirmed for a resumed signup.
type StartResult struct {
	PendingSignupID  uuid.UUID `json:"pending_signup_id"`
	ClientSecret     string    `json:"client_secret"`
	PaymentCompleted bool      `json:"payment_completed"`
}

// CompleteResult names the party the caller now administers.
type CompleteResult struct {
	PartyID   uuid.UUID `json:"group_id"`
	PartyName string    `json:"group_name"`
}

// Service implements start, confirm and complete.
type Service struct {
	store       Store
	processor   billing.Processor
	provisioner Provisioner
	admins      AdminGrants
	locker      Locker
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a signup service.
func NewService(store Store, processor billing.Processor, provisioner Provisioner, admins AdminGrants, locker Locker, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Service{
		store:       store,
		processor:   processor,
		provisioner: provisioner,
		admins:      admins,
		locker:      locker,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Start resumes the caller's active signup or opens a new one with an incomplete
// processor subscription.
func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.PartyName)
	if name == "" || len(name) > maxPartyNameLen {
		return nil, fmt.Errorf("%w: group name must be 1-%d characters", ErrInvalidInput, maxPartyNameLen)
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = models.DefaultPartyCategory
	}

	release, err := s.locker.TryLock(ctx, "signup:"+email, s.cfg.LockTTL)
	if errors.Is(err, redis.ErrLockHeld) {
		return nil, ErrSignupInProgress
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release signup lock", zap.String("email", email), zap.Error(err))
		}
	}()

	now := s.now()
	existing, err := s.store.FindActiveByEmail(ctx, email, now)
	if err != nil {
		return nil, fmt.Errorf("find pending signup: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, existing)
	}

	id := uuid.New()
	customerID, err := s.processor.CreateCustomer(ctx, email, map[string]string{billing.MetaSignupID: id.String()})
	if err != nil {
		return nil, err
	}
	sub, err := s.processor.CreateSubscription(ctx, billing.NewSubscription{
		CustomerID: customerID,
		PriceID:    s.cfg.PriceID,
		Metadata: map[string]string{
			billing.MetaPartyName: name,
			billing.MetaCategory:  category,
			billing.MetaSignupID:  id.String(),
			billing.MetaEmail:     email,
		},
		IdempotencyKey: "signup-" + id.String(),
	})
	if err != nil {
		return nil, err
	}

	rec := &models.PendingSignup{
		ID:                   id,
		Email:                email,
		PartyName:            name,
		Category:             category,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: sub.ID,
		ExpiresAt:            now.Add(s.cfg.PendingTTL).UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// The processor lets an unpaid incomplete subscription lapse on its own.
		s.logger.Error("pending signup insert failed after subscription was created",
			zap.String("subscription_id", sub.ID), zap.Error(err))
		return nil, fmt.Errorf("create pending signup: %w", err)
	}
	s.logger.Info("signup started",
		zap.String("pending_signup_id", id.String()),
		zap.String("subscription_id", sub.ID))
	return &StartResult{PendingSignupID: id, ClientSecret: sub.ClientSecret}, nil
}

func (s *Service) resume(ctx context.Context, rec *models.PendingSignup) (*StartResult, error) {
	res := &StartResult{PendingSignupID: rec.ID, PaymentCompleted: rec.PaymentCompleted}
	if rec.PaymentCompleted {
		s.logger.Info("resuming confirmed signup", zap.String("pending_signup_id", rec.ID.String()))
		return res, nil
	}
	sub, err := s.processor.GetSubscription(ctx, rec.StripeSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("recover client secret: %w", err)
	}
	res.ClientSecret = sub.ClientSecret
	s.logger.Info("resuming unpaid signup", zap.String("pending_signup_id", rec.ID.String()))
	return res, nil
}

// Confirm records that the signup's first invoice was paid. Repeated or unknown
// confirmations are no-ops. It reports whether this call made the transition.
func (s *Service) Confirm(ctx context.Context, subscriptionID, email string) (bool, error) {
	log := s.logger.With(zap.String("subscription_id", subscriptionID))
	rec, err := s.store.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("find pending signup: %w", err)
	}
	if rec == nil {
		log.Info("payment for unknown pending signup ignored", zap.String("email", email))
		return false, nil
	}
	if rec.UserID != nil || rec.PaymentCompleted {
		log.Info("pending signup already confirmed", zap.String("pending_signup_id", rec.ID.String()))
		return false, nil
	}
	if email != "" && !strings.EqualFold(strings.TrimSpace(email), rec.Email) {
		log.Warn("payment email differs from signup email",
			zap.String("pending_signup_id", rec.ID.String()),
			zap.String("invoice_email", email))
	}
	changed, err := s.store.MarkPaymentConfirmed(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("confirm pending signup: %w", err)
	}
	if changed {
		log.Info("pending signup payment confirmed", zap.String("pending_signup_id", rec.ID.String()))
	}
	return changed, nil
}

// Complete exchanges a confirmed pending signup for a provisioned party administered by identityID.
func (s *Service) Complete(ctx context.Context, identityID, pendingSignupID uuid.UUID) (*CompleteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	rec, err := s.store.GetByID(ctx, pendingSignupID)
	if err != nil {
		return nil, fmt.Errorf("load pending signup: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	switch rec.State(s.now()) {
	case models.PendingSignupCompleted:
		return nil, ErrAlreadyCompleted
	case models.PendingSignupExpired:
		return nil, ErrExpired
	case models.PendingSignupCreated:
		return nil, ErrPaymentNotConfirmed
	}

	sub, err := s.processor.GetSubscription(ctx, rec.StripeSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	log := s.logger.With(
		zap.String("pending_signup_id", rec.ID.String()),
		zap.String("identity_id", identityID.String()),
		zap.String("subscription_id", rec.StripeSubscriptionID))

	partyID, err := s.provisioner.Provision(ctx, provisioning.Request{
		PartyName:  rec.PartyName,
		Category:   rec.Category,
		IdentityID: identityID,
		Email:      rec.Email,
		Snapshot:   provisioning.SnapshotFromProcessor(sub),
	})
	if d, ok := provisioning.IsDegraded(err); ok {
		log.Warn("signup completed with degraded provisioning", zap.String("party_id", d.PartyID.String()))
	} else if err != nil {
		return nil, err
	}

	linked, err := s.store.LinkIdentity(ctx, rec.ID, identityID)
	if err != nil {
		return nil, fmt.Errorf("link identity: %w", err)
	}
	if !linked {
		current, err := s.store.GetByID(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("reload pending signup: %w", err)
		}
		if current == nil || current.UserID == nil || *current.UserID != identityID {
			return nil, ErrAlreadyCompleted
		}
	}
	if err := s.ensureAdmin(ctx, partyID, identityID, log); err != nil {
		return nil, err
	}

	md := map[string]string{
		billing.MetaIdentityID: identityID.String(),
		billing.MetaPartyID:    partyID.String(),
	}
	if err := s.processor.UpdateSubscriptionMetadata(ctx, rec.StripeSubscriptionID, md); err != nil {
		log.Warn("update subscription metadata failed", zap.Error(err))
	}
	log.Info("signup completed", zap.String("party_id", partyID.String()))
	return &CompleteResult{PartyID: partyID, PartyName: rec.PartyName}, nil
}

// ensureAdmin grants the linked identity admin rights when another caller's concurrent
// Complete provisioned the party under its own identity before losing the link.
func (s *Service) ensureAdmin(ctx context.Context, partyID, identityID uuid.UUID, log *zap.Logger) error {
	if s.admins == nil {
		return nil
	}
	ok, err := s.admins.IsAdmin(ctx, partyID, identityID)
	if err != nil {
		return fmt.Errorf("check party admin: %w", err)
	}
	if ok {
		return nil
	}
	log.Warn("party provisioned under another identity, granting admin to the linked identity",
		zap.String("party_id", partyID.String()))
	if err := s.admins.AddAdmin(ctx, &models.AdminGrant{PartyID: partyID, UserID: identityID}); err != nil {
		return fmt.Errorf("grant party admin: %w", err)
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}
