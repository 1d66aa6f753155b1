package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/internal/subscriptions"
)

// DefaultPartyName is used when a paid subscription carries no party name in its metadata.
const DefaultPartyName = "My Party"

// DefaultHandleTimeout bounds a delivery when Deps.Timeout is unset. It stays under the
// server write timeout so the processor always gets a status.
const DefaultHandleTimeout = 25 * time.Second

const archiveTimeout = 5 * time.Second

// Outcome describes how an acknowledged event was handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomeDegraded means the party exists but its subscription ledger row is queued for repair.
	OutcomeDegraded Outcome = "degraded"
)

// Ack is returned for every event the processor should not redeliver.
type Ack struct {
	EventID string     `json:"event_id"`
	Kind    string     `json:"kind"`
	Outcome Outcome    `json:"outcome"`
	PartyID *uuid.UUID `json:"party_id,omitempty"`
}

// ErrorKind classifies a dispatch failure by whether redelivery can succeed.
type ErrorKind string

const (
	KindSignature ErrorKind = "signature_invalid"
	KindMalformed ErrorKind = "malformed_event"
	// KindPermanent covers well-formed events that can never be applied, such as a non-UUID identity.
	KindPermanent ErrorKind = "permanent"
	KindTransient ErrorKind = "transient"
)

// DispatchError is every failure Handle returns.
type DispatchError struct {
	Kind      ErrorKind
	EventID   string
	EventType string
	Err       error
}

func (e *DispatchError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.EventType, e.EventID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Retryable reports whether the processor should redeliver.
func (e *DispatchError) Retryable() bool { return e.Kind == KindTransient }

// StatusCode is the HTTP status that tells the processor whether to redeliver.
func (e *DispatchError) StatusCode() int {
	if e.Retryable() {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// Provisioner creates the party for a paid subscription.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (uuid.UUID, error)
}

// Reconciler applies lifecycle changes to the subscription ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, u subscriptions.Update) (subscriptions.Result, error)
	MarkPastDue(ctx context.Context, subscriptionID string) (subscriptions.Result, error)
}

// SignupConfirmer records payment for a pre-identity signup.
type SignupConfirmer interface {
	Confirm(ctx context.Context, subscriptionID, email string) (bool, error)
}

// SubscriptionFetcher reads the processor's current view of a subscription.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
}

// Archiver stores verified raw payloads. Optional.
type Archiver interface {
	ArchiveWebhookEvent(ctx context.Context, eventID string, createdAt time.Time, payload []byte) error
}

// Deps wires a Dispatcher.
type Deps struct {
	Verifier      *Verifier
	Subscriptions SubscriptionFetcher
	Provisioner   Provisioner
	Reconciler    Reconciler
	Signups       SignupConfirmer
	Archive       Archiver
	Logger        *zap.Logger
	// Timeout bounds one delivery end to end. Zero uses DefaultHandleTimeout.
	Timeout       time.Duration
}

// Dispatcher verifies, decodes and routes processor notifications.
// It holds no per-delivery state; deliveries may be handled concurrently.
type Dispatcher struct {
	verifier    *Verifier
	subs        SubscriptionFetcher
	provisioner Provisioner
	reconciler  Reconciler
	signups     SignupConfirmer
	archive     Archiver
	logger      *zap.Logger
	timeout     time.Duration
	now         func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Dispatcher{
		verifier:    d.Verifier,
		subs:        d.Subscriptions,
		provisioner: d.Provisioner,
		reconciler:  d.Reconciler,
		signups:     d.Signups,
		archive:     d.Archive,
		logger:      logger,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Handle processes one delivery. Every error is a *DispatchError.
// A delivery that outlives the dispatcher timeout fails as transient so the processor redelivers.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte, signatureHeader string) (Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := d.verifier.Verify(payload, signatureHeader)
	if err != nil {
		return Ack{}, &DispatchError{Kind: KindSignature, Err: err}
	}
	evt, err := Decode(body)
	if err != nil {
		return Ack{}, &DispatchError{Kind: KindMalformed, Err: err}
	}
	d.archiveEvent(ctx, evt, body)

	ack, err := d.route(ctx, evt)
	log := d.logger.With(zap.String("event_id", evt.EventID()), zap.String("kind", evt.Kind()))
	if err != nil {
		var de *DispatchError
		if !errors.As(err, &de) {
			de = &DispatchError{Kind: KindTransient, Err: err}
		}
		de.EventID, de.EventType = evt.EventID(), evt.Kind()
		if de.Retryable() {
			log.Warn("webhook failed, processor will retry", zap.Error(de.Err))
		} else {
			log.Error("webhook rejected", zap.String("error_kind", string(de.Kind)), zap.Error(de.Err))
		}
		return Ack{}, de
	}
	ack.EventID, ack.Kind = evt.EventID(), evt.Kind()
	log.Info("webhook handled", zap.String("outcome", string(ack.Outcome)))
	return ack, nil
}

func (d *Dispatcher) route(ctx context.Context, evt Event) (Ack, error) {
	switch e := evt.(type) {
	case CheckoutCompleted:
		if e.Metadata[billing.MetaIdentityID] == "" {
			// Pre-identity checkout finishes through invoice.paid and signup completion.
			return Ack{Outcome: OutcomeIgnored}, nil
		}
		return d.provisionSubscription(ctx, e.SubscriptionID, e.Metadata, e.Email)
	case InvoicePaid:
		return d.invoicePaid(ctx, e)
	case SubscriptionUpdated:
		return d.reconcile(ctx, e.SubscriptionState)
	case SubscriptionDeleted:
		return d.reconcile(ctx, e.SubscriptionState)
	case PaymentFailed:
		res, err := d.reconciler.MarkPastDue(ctx, e.SubscriptionID)
		if err != nil {
			return Ack{}, err
		}
		return Ack{Outcome: reconcileOutcome(res)}, nil
	case Unhandled:
		return Ack{Outcome: OutcomeIgnored}, nil
	default:
		return Ack{}, &DispatchError{Kind: KindPermanent, Err: fmt.Errorf("no route for %T", evt)}
	}
}

func (d *Dispatcher) invoicePaid(ctx context.Context, e InvoicePaid) (Ack, error) {
	sub, err := d.fetchSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return Ack{}, err
	}
	md := mergeMetadata(e.Metadata, sub.Metadata)
	if md[billing.MetaIdentityID] != "" {
		return d.provision(ctx, sub, md, e.CustomerEmail)
	}
	email := md[billing.MetaEmail]
	if email == "" {
		email = e.CustomerEmail
	}
	changed, err := d.signups.Confirm(ctx, e.SubscriptionID, email)
	if err != nil {
		return Ack{}, err
	}
	if !changed {
		return Ack{Outcome: OutcomeIgnored}, nil
	}
	return Ack{Outcome: OutcomeProcessed}, nil
}

func (d *Dispatcher) provisionSubscription(ctx context.Context, subscriptionID string, md map[string]string, email string) (Ack, error) {
	sub, err := d.fetchSubscription(ctx, subscriptionID)
	if err != nil {
		return Ack{}, err
	}
	return d.provision(ctx, sub, mergeMetadata(md, sub.Metadata), email)
}

func (d *Dispatcher) provision(ctx context.Context, sub *billing.Subscription, md map[string]string, fallbackEmail string) (Ack, error) {
	identity, err := uuid.Parse(md[billing.MetaIdentityID])
	if err != nil {
		return Ack{}, &DispatchError{Kind: KindPermanent, Err: fmt.Errorf("identity metadata %q: %w", md[billing.MetaIdentityID], err)}
	}
	name := strings.TrimSpace(md[billing.MetaPartyName])
	if name == "" {
		d.logger.Warn("subscription has no party name, using default", zap.String("subscription_id", sub.ID))
		name = DefaultPartyName
	}
	email := md[billing.MetaEmail]
	if email == "" {
		email = fallbackEmail
	}

	partyID, err := d.provisioner.Provision(ctx, provisioning.Request{
		PartyName:  name,
		Category:   md[billing.MetaCategory],
		IdentityID: identity,
		Email:      email,
		Snapshot:   provisioning.SnapshotFromProcessor(sub),
	})
	if degraded, ok := provisioning.IsDegraded(err); ok {
		// Redelivery would find nothing to do; the repair queue owns the missing row.
		return Ack{Outcome: OutcomeDegraded, PartyID: &degraded.PartyID}, nil
	}
	if errors.Is(err, provisioning.ErrInvalidRequest) {
		return Ack{}, &DispatchError{Kind: KindPermanent, Err: err}
	}
	if err != nil {
		return Ack{}, err
	}
	return Ack{Outcome: OutcomeProcessed, PartyID: &partyID}, nil
}

func (d *Dispatcher) reconcile(ctx context.Context, s SubscriptionState) (Ack, error) {
	res, err := d.reconciler.Reconcile(ctx, subscriptions.Update{
		SubscriptionID:    s.SubscriptionID,
		ProcessorStatus:   s.Status,
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	})
	if err != nil {
		return Ack{}, err
	}
	return Ack{Outcome: reconcileOutcome(res)}, nil
}

func (d *Dispatcher) fetchSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	sub, err := d.subs.GetSubscription(ctx, id)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, &DispatchError{Kind: KindPermanent, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Dispatcher) archiveEvent(ctx context.Context, evt Event, body []byte) {
	if d.archive == nil {
		return
	}
	// Keyed by the event's creation time so every redelivery lands on the same object.
	at := evt.CreatedAt()
	if at.Unix() <= 0 {
		at = d.now()
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := d.archive.ArchiveWebhookEvent(ctx, evt.EventID(), at, body); err != nil {
		d.logger.Warn("archive webhook event failed", zap.String("event_id", evt.EventID()), zap.Error(err))
	}
}

// mergeMetadata overlays the processor's current subscription metadata on the event's copy.
func mergeMetadata(event, current map[string]string) map[string]string {
	out := make(map[string]string, len(event)+len(current))
	for k, v := range event {
		out[k] = v
	}
	for k, v := range current {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func reconcileOutcome(res subscriptions.Result) Outcome {
	if res.Matched {
		return OutcomeProcessed
	}
	return OutcomeIgnored
}
