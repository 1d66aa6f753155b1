package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/partyline/backend/internal/billing"
)

// ErrMalformedEvent is returned for known event kinds missing required fields.
// Redelivery decodes identically, so it is never worth retrying.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is one decoded notification. The set of implementations is closed:
// CheckoutCompleted, InvoicePaid, SubscriptionUpdated, SubscriptionDeleted,
// PaymentFailed and Unhandled.
type Event interface {
	EventID() string
	Kind() string
	CreatedAt() time.Time
	isEvent()
}

// Meta is the envelope shared by every event.
type Meta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m Meta) EventID() string      { return m.ID }
func (m Meta) Kind() string         { return m.Type }
func (m Meta) CreatedAt() time.Time { return m.Created }
func (Meta) isEvent()               {}

// CheckoutCompleted is checkout.session.completed for a subscription-mode session.
type CheckoutCompleted struct {
	Meta
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Email          string
	Metadata       map[string]string
}

// InvoicePaid is invoice.paid for an invoice that belongs to a subscription.
// Metadata is the subscription metadata the processor copies onto the invoice.
type InvoicePaid struct {
	Meta
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
	BillingReason  string
	Metadata       map[string]string
}

// SubscriptionState is the subscription object carried by updated and deleted events.
type SubscriptionState struct {
	SubscriptionID    string
	CustomerID        string
	Status            string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// SubscriptionUpdated is customer.subscription.updated.
type SubscriptionUpdated struct {
	Meta
	SubscriptionState
}

// SubscriptionDeleted is customer.subscription.deleted.
type SubscriptionDeleted struct {
	Meta
	SubscriptionState
}

// PaymentFailed is invoice.payment_failed.
type PaymentFailed struct {
	Meta
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
}

// Unhandled is any kind the system does not act on. It is acknowledged, not rejected.
type Unhandled struct {
	Meta
}

// Decode parses verified bytes into one of the Event variants.
func Decode(payload []byte) (Event, error) {
	var env stripe.Event
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: envelope missing id or type", ErrMalformedEvent)
	}
	meta := Meta{ID: env.ID, Type: string(env.Type), Created: time.Unix(env.Created, 0).UTC()}

	var raw json.RawMessage
	if env.Data != nil {
		raw = env.Data.Raw
	}

	switch env.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return decodeCheckout(meta, raw)
	case stripe.EventTypeInvoicePaid:
		return decodeInvoicePaid(meta, raw)
	case stripe.EventTypeInvoicePaymentFailed:
		return decodePaymentFailed(meta, raw)
	case stripe.EventTypeCustomerSubscriptionUpdated:
		state, err := decodeSubscriptionState(meta, raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionUpdated{Meta: meta, SubscriptionState: state}, nil
	case stripe.EventTypeCustomerSubscriptionDeleted:
		state, err := decodeSubscriptionState(meta, raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{Meta: meta, SubscriptionState: state}, nil
	default:
		return Unhandled{Meta: meta}, nil
	}
}

// objectID accepts either a bare id or an expanded object carrying one.
type objectID string

func (o *objectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = objectID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*o = objectID(obj.ID)
	return nil
}

type rawCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	Customer        objectID          `json:"customer"`
	Subscription    objectID          `json:"subscription"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func decodeCheckout(meta Meta, raw json.RawMessage) (Event, error) {
	var s rawCheckoutSession
	if err := unmarshalObject(meta, raw, &s); err != nil {
		return nil, err
	}
	if s.Mode != "" && s.Mode != "subscription" {
		return Unhandled{Meta: meta}, nil
	}
	if s.ID == "" || s.Customer == "" || s.Subscription == "" {
		return nil, missingFields(meta, "id, customer, subscription")
	}
	email := s.CustomerEmail
	if email == "" && s.CustomerDetails != nil {
		email = s.CustomerDetails.Email
	}
	md := s.Metadata
	if md == nil {
		md = map[string]string{}
	}
	// client_reference_id carries the identity when the session was created for a signed-in user.
	if md[billing.MetaIdentityID] == "" && s.ClientReferenceID != "" {
		md[billing.MetaIdentityID] = s.ClientReferenceID
	}
	return CheckoutCompleted{
		Meta:           meta,
		SessionID:      s.ID,
		CustomerID:     string(s.Customer),
		SubscriptionID: string(s.Subscription),
		Email:          email,
		Metadata:       md,
	}, nil
}

type rawInvoice struct {
	ID            string   `json:"id"`
	Customer      objectID `json:"customer"`
	CustomerEmail string   `json:"customer_email"`
	BillingReason string   `json:"billing_reason"`
	Subscription  objectID `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription objectID          `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Subscription objectID `json:"subscription"`
			Parent       *struct {
				SubscriptionItemDetails *struct {
					Subscription objectID `json:"subscription"`
				} `json:"subscription_item_details"`
			} `json:"parent"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// invoiceSubscriptionSource reads the owning subscription id from one location on an invoice.
type invoiceSubscriptionSource struct {
	name   string
	lookup func(*rawInvoice) objectID
}

// invoiceSubscriptionPrecedence lists where API versions have put the subscription id, newest first.
var invoiceSubscriptionPrecedence = []invoiceSubscriptionSource{
	{"parent.subscription_details.subscription", func(in *rawInvoice) objectID {
		if in.Parent == nil || in.Parent.SubscriptionDetails == nil {
			return ""
		}
		return in.Parent.SubscriptionDetails.Subscription
	}},
	{"subscription", func(in *rawInvoice) objectID { return in.Subscription }},
	{"lines.data.parent.subscription_item_details.subscription", func(in *rawInvoice) objectID {
		for _, l := range in.Lines.Data {
			if l.Parent != nil && l.Parent.SubscriptionItemDetails != nil && l.Parent.SubscriptionItemDetails.Subscription != "" {
				return l.Parent.SubscriptionItemDetails.Subscription
			}
		}
		return ""
	}},
	{"lines.data.subscription", func(in *rawInvoice) objectID {
		for _, l := range in.Lines.Data {
			if l.Subscription != "" {
				return l.Subscription
			}
		}
		return ""
	}},
}

func (in *rawInvoice) subscriptionID() string {
	for _, src := range invoiceSubscriptionPrecedence {
		if id := src.lookup(in); id != "" {
			return string(id)
		}
	}
	return ""
}

func (in *rawInvoice) subscriptionMetadata() map[string]string {
	if in.Parent != nil && in.Parent.SubscriptionDetails != nil && in.Parent.SubscriptionDetails.Metadata != nil {
		return in.Parent.SubscriptionDetails.Metadata
	}
	if in.SubscriptionDetails != nil && in.SubscriptionDetails.Metadata != nil {
		return in.SubscriptionDetails.Metadata
	}
	return map[string]string{}
}

func decodeInvoicePaid(meta Meta, raw json.RawMessage) (Event, error) {
	var in rawInvoice
	if err := unmarshalObject(meta, raw, &in); err != nil {
		return nil, err
	}
	subID := in.subscriptionID()
	if in.ID == "" || subID == "" {
		return nil, missingFields(meta, "id, subscription")
	}
	return InvoicePaid{
		Meta:           meta,
		InvoiceID:      in.ID,
		CustomerID:     string(in.Customer),
		SubscriptionID: subID,
		CustomerEmail:  in.CustomerEmail,
		BillingReason:  in.BillingReason,
		Metadata:       in.subscriptionMetadata(),
	}, nil
}

func decodePaymentFailed(meta Meta, raw json.RawMessage) (Event, error) {
	var in rawInvoice
	if err := unmarshalObject(meta, raw, &in); err != nil {
		return nil, err
	}
	subID := in.subscriptionID()
	if in.ID == "" || subID == "" {
		return nil, missingFields(meta, "id, subscription")
	}
	return PaymentFailed{
		Meta:           meta,
		InvoiceID:      in.ID,
		SubscriptionID: subID,
		CustomerID:     string(in.Customer),
	}, nil
}

type rawSubscription struct {
	ID                string            `json:"id"`
	Customer          objectID          `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	// Legacy API versions carried the period on the subscription root.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func decodeSubscriptionState(meta Meta, raw json.RawMessage) (SubscriptionState, error) {
	var s rawSubscription
	if err := unmarshalObject(meta, raw, &s); err != nil {
		return SubscriptionState{}, err
	}
	if s.ID == "" || s.Status == "" {
		return SubscriptionState{}, missingFields(meta, "id, status")
	}
	// Item-level bounds win; each falls back to the legacy root value when the item omits it.
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.CurrentPeriodStart != 0 {
			start = item.CurrentPeriodStart
		}
		if item.CurrentPeriodEnd != 0 {
			end = item.CurrentPeriodEnd
		}
	}
	return SubscriptionState{
		SubscriptionID:    s.ID,
		CustomerID:        string(s.Customer),
		Status:            s.Status,
		PeriodStart:       unixTime(start),
		PeriodEnd:         unixTime(end),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}, nil
}

func unmarshalObject(meta Meta, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s %s has no data.object", ErrMalformedEvent, meta.Type, meta.ID)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedEvent, meta.Type, meta.ID, err)
	}
	return nil
}

func missingFields(meta Meta, fields string) error {
	return fmt.Errorf("%w: %s %s requires %s", ErrMalformedEvent, meta.Type, meta.ID, fields)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
