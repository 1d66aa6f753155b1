// Package billing is the payment-processor collaborator. Everything the rest of the
// system needs from Stripe goes through the Processor interface so handlers and the
// provisioning pipeline can be exercised against fakes.
package billing

import (
	"context"
	"errors"
	"time"
)

// Metadata keys written on processor subscriptions and read back from webhooks.
const (
	MetaIdentityID = "identity_id"
	MetaPartyID    = "party_id"
	MetaPartyName  = "party_name"
	MetaCategory   = "category"
	MetaSignupID   = "pending_signup_id"
	MetaEmail      = "signup_email"
)

var (
	// ErrNotFound is returned when the processor has no such object.
	ErrNotFound = errors.New("processor object not found")
	// ErrUnavailable marks failures worth retrying: timeouts, rate limits, processor 5xx.
	ErrUnavailable = errors.New("payment processor unavailable")
)

// Subscription is the subset of a processor subscription the system consumes.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	Metadata          map[string]string
	Created           time.Time
	PeriodStart       *time.Time // from the first line item; nil when the processor omits it
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	LatestInvoiceID   string
	ClientSecret      string // empty once nothing remains to confirm client-side
}

// NewSubscription describes an incomplete subscription awaiting client-side payment.
type NewSubscription struct {
	CustomerID     string
	PriceID        string
	Metadata       map[string]string
	IdempotencyKey string
}

// InvoicePayment is one payment attempt recorded against an invoice.
type InvoicePayment struct {
	ID           string
	Status       string
	ClientSecret string
}

// Processor is the payment-processor API surface used by signup and provisioning.
type Processor interface {
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error)
	CreateSubscription(ctx context.Context, params NewSubscription) (*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error
	ListInvoicePayments(ctx context.Context, invoiceID string) ([]InvoicePayment, error)
}
