package subscriptions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/partyline/backend/internal/models"
)

// Store is the persistence the Reconciler mutates.
type Store interface {
	UpdateState(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus, start, end *time.Time, cancelAtPeriodEnd bool) (bool, error)
	UpdateStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus) (bool, error)
}

// Update is the processor's view of a subscription after a lifecycle change.
type Update struct {
	SubscriptionID    string
	ProcessorStatus   string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// Result reports what reconciliation did. Matched is false when no local row exists,
// which happens for subscriptions that were never provisioned (abandoned signups).
type Result struct {
	Matched bool
	Status  models.SubscriptionStatus
}

// Reconciler applies processor lifecycle changes to the local subscription ledger.
type Reconciler struct {
	store  Store
	logger *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile maps the processor status and stores it with the period bounds and cancel flag.
func (r *Reconciler) Reconcile(ctx context.Context, u Update) (Result, error) {
	status := MapStatus(u.ProcessorStatus)
	matched, err := r.store.UpdateState(ctx, u.SubscriptionID, status, u.PeriodStart, u.PeriodEnd, u.CancelAtPeriodEnd)
	if err != nil {
		return Result{}, fmt.Errorf("update subscription %s: %w", u.SubscriptionID, err)
	}
	if !matched {
		r.logger.Info("no local subscription to reconcile",
			zap.String("subscription_id", u.SubscriptionID),
			zap.String("processor_status", u.ProcessorStatus))
		return Result{Status: status}, nil
	}
	r.logger.Info("subscription reconciled",
		zap.String("subscription_id", u.SubscriptionID),
		zap.String("processor_status", u.ProcessorStatus),
		zap.String("status", string(status)),
		zap.Bool("cancel_at_period_end", u.CancelAtPeriodEnd))
	return Result{Matched: true, Status: status}, nil
}

// MarkPastDue flips the status after a failed payment; period bounds are untouched.
func (r *Reconciler) MarkPastDue(ctx context.Context, subscriptionID string) (Result, error) {
	matched, err := r.store.UpdateStatus(ctx, subscriptionID, models.SubscriptionPastDue)
	if err != nil {
		return Result{}, fmt.Errorf("mark subscription %s past due: %w", subscriptionID, err)
	}
	if !matched {
		r.logger.Info("no local subscription to mark past due", zap.String("subscription_id", subscriptionID))
		return Result{Status: models.SubscriptionPastDue}, nil
	}
	r.logger.Warn("subscription payment failed", zap.String("subscription_id", subscriptionID))
	return Result{Matched: true, Status: models.SubscriptionPastDue}, nil
}
