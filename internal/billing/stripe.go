package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// subscriptionExpansions are requested on every subscription read so both the
// period bounds and the client secret can be resolved without a second call.
var subscriptionExpansions = []string{
	"latest_invoice.confirmation_secret",
	"latest_invoice.payments",
	"pending_setup_intent",
}

// StripeProcessor implements Processor with an explicitly constructed Stripe client.
type StripeProcessor struct {
	api     *client.API
	timeout time.Duration
	logger  *zap.Logger
}

// NewStripeProcessor creates a processor bound to secretKey. Each call is bounded by timeout.
func NewStripeProcessor(secretKey string, timeout time.Duration, logger *zap.Logger) *StripeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeProcessor{api: client.New(secretKey, nil), timeout: timeout, logger: logger}
}

// CreateCustomer creates a customer for the signup email.
func (s *StripeProcessor) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", wrapStripeError("create customer", err)
	}
	return c.ID, nil
}

// CreateSubscription creates an incomplete subscription whose first invoice is paid client-side.
func (s *StripeProcessor) CreateSubscription(ctx context.Context, p NewSubscription) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	for _, e := range subscriptionExpansions {
		params.AddExpand(e)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	sub, err := s.api.Subscriptions.New(params)
	if err != nil {
		return nil, wrapStripeError("create subscription", err)
	}
	return s.toSubscription(ctx, sub), nil
}

// GetSubscription retrieves a subscription with its latest invoice expanded.
func (s *StripeProcessor) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	for _, e := range subscriptionExpansions {
		params.AddExpand(e)
	}
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, wrapStripeError("get subscription", err)
	}
	return s.toSubscription(ctx, sub), nil
}

// UpdateSubscriptionMetadata merges metadata into the subscription.
func (s *StripeProcessor) UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if _, err := s.api.Subscriptions.Update(id, params); err != nil {
		return wrapStripeError("update subscription metadata", err)
	}
	return nil
}

// ListInvoicePayments lists payment attempts for an invoice, newest first.
func (s *StripeProcessor) ListInvoicePayments(ctx context.Context, invoiceID string) ([]InvoicePayment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.InvoicePaymentListParams{Invoice: stripe.String(invoiceID)}
	params.Context = ctx
	params.AddExpand("data.payment.payment_intent")

	var out []InvoicePayment
	iter := s.api.InvoicePayments.List(params)
	for iter.Next() {
		p := iter.InvoicePayment()
		out = append(out, InvoicePayment{
			ID:           p.ID,
			Status:       string(p.Status),
			ClientSecret: invoicePaymentSecret(p),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError("list invoice payments", err)
	}
	return out, nil
}

func (s *StripeProcessor) toSubscription(ctx context.Context, sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		Metadata:          sub.Metadata,
		Created:           time.Unix(sub.Created, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.PeriodStart = unixPtr(item.CurrentPeriodStart)
		out.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceID = sub.LatestInvoice.ID
	}

	secret, source := clientSecretFromSubscription(sub)
	if secret == "" && out.LatestInvoiceID != "" && sub.Status == stripe.SubscriptionStatusIncomplete {
		secret, source = s.clientSecretFromInvoicePayments(ctx, out.LatestInvoiceID)
	}
	if secret != "" {
		s.logger.Debug("resolved client secret", zap.String("subscription_id", sub.ID), zap.String("source", source))
	}
	out.ClientSecret = secret
	return out
}

func (s *StripeProcessor) clientSecretFromInvoicePayments(ctx context.Context, invoiceID string) (string, string) {
	payments, err := s.ListInvoicePayments(ctx, invoiceID)
	if err != nil {
		s.logger.Warn("list invoice payments failed", zap.String("invoice_id", invoiceID), zap.Error(err))
		return "", ""
	}
	return firstPaymentSecret(payments), sourceInvoicePaymentsAPI
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// wrapStripeError classifies SDK errors into ErrNotFound, ErrUnavailable, or a plain failure.
func wrapStripeError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Network failures surface as plain errors from the HTTP client.
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	switch {
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
