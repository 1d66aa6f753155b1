// Package billingtest provides an in-memory billing.Processor for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partyline/backend/internal/billing"
)

// Processor records customers and subscriptions in memory. New subscriptions start
// "incomplete" with a client secret; Pay moves one to "active".
type Processor struct {
	mu            sync.Mutex
	seq           int
	Customers     map[string]string // id -> email
	Subscriptions map[string]*billing.Subscription
	byIdempotency map[string]string

	// Err, when set, is returned by every call.
	Err error
	// MetadataErr, when set, is returned by UpdateSubscriptionMetadata only.
	MetadataErr error
}

// New returns an empty processor.
func New() *Processor {
	return &Processor{
		Customers:     map[string]string{},
		Subscriptions: map[string]*billing.Subscription{},
		byIdempotency: map[string]string{},
	}
}

func (p *Processor) CreateCustomer(_ context.Context, email string, _ map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.seq++
	id := fmt.Sprintf("cus_%d", p.seq)
	p.Customers[id] = email
	return id, nil
}

func (p *Processor) CreateSubscription(_ context.Context, params billing.NewSubscription) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if id, ok := p.byIdempotency[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return copySub(p.Subscriptions[id]), nil
	}
	p.seq++
	id := fmt.Sprintf("sub_%d", p.seq)
	md := map[string]string{}
	for k, v := range params.Metadata {
		md[k] = v
	}
	sub := &billing.Subscription{
		ID:           id,
		CustomerID:   params.CustomerID,
		Status:       "incomplete",
		Metadata:     md,
		Created:      time.Now().UTC().Truncate(time.Second),
		ClientSecret: "pi_" + id + "_secret",
	}
	p.Subscriptions[id] = sub
	if params.IdempotencyKey != "" {
		p.byIdempotency[params.IdempotencyKey] = id
	}
	return copySub(sub), nil
}

func (p *Processor) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	sub, ok := p.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("get subscription %s: %w", id, billing.ErrNotFound)
	}
	return copySub(sub), nil
}

func (p *Processor) UpdateSubscriptionMetadata(_ context.Context, id string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.MetadataErr != nil {
		return p.MetadataErr
	}
	sub, ok := p.Subscriptions[id]
	if !ok {
		return fmt.Errorf("update subscription %s: %w", id, billing.ErrNotFound)
	}
	for k, v := range metadata {
		sub.Metadata[k] = v
	}
	return nil
}

func (p *Processor) ListInvoicePayments(context.Context, string) ([]billing.InvoicePayment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return nil, nil
}

// Pay marks a subscription paid: active, with a one-month period and no client secret.
func (p *Processor) Pay(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := p.Subscriptions[id]
	start := sub.Created
	end := start.AddDate(0, 1, 0)
	sub.Status = "active"
	sub.PeriodStart = &start
	sub.PeriodEnd = &end
	sub.ClientSecret = ""
}

// Add stores a subscription as-is.
func (p *Processor) Add(sub *billing.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}
	p.Subscriptions[sub.ID] = sub
}

// SubscriptionCount returns how many subscriptions were created.
func (p *Processor) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Subscriptions)
}

func copySub(s *billing.Subscription) *billing.Subscription {
	cp := *s
	cp.Metadata = map[string]string{}
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}
