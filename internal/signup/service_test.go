package signup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/billing/billingtest"
	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/internal/provisioning/provisioningtest"
)

type harness struct {
	svc       *Service
	store     *memStore
	processor *billingtest.Processor
	parties   *provisioningtest.Store
	locker    *memLocker
}

func newHarness() *harness {
	h := &harness{
		store:     newMemStore(),
		processor: billingtest.New(),
		parties:   provisioningtest.NewStore(),
		locker:    &memLocker{},
	}
	prov := provisioning.NewProvisioner(h.parties.Parties(), h.parties.Ledger(), nil, nil, nil)
	h.svc = NewService(h.store, h.processor, prov, h.parties.Parties(), h.locker, Config{PriceID: "price_1"}, nil)
	return h
}

func TestStartCreatesPendingSignup(t *testing.T) {
	h := newHarness()
	res, err := h.svc.Start(context.Background(), StartInput{Email: " A@X.com ", PartyName: "The Crew"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.ClientSecret == "" || res.PaymentCompleted {
		t.Errorf("result = %+v", res)
	}
	rec, _ := h.store.GetByID(context.Background(), res.PendingSignupID)
	if rec == nil {
		t.Fatal("pending signup not stored")
	}
	if rec.Email != "a@x.com" || rec.PartyName != "The Crew" || rec.Category != models.DefaultPartyCategory {
		t.Errorf("record = %+v", rec)
	}
	if rec.State(time.Now()) != models.PendingSignupCreated {
		t.Errorf("state = %s", rec.State(time.Now()))
	}
	sub := h.processor.Subscriptions[rec.StripeSubscriptionID]
	if sub.Metadata[billing.MetaSignupID] != rec.ID.String() || sub.Metadata[billing.MetaPartyName] != "The Crew" {
		t.Errorf("subscription metadata = %v", sub.Metadata)
	}
	if _, ok := sub.Metadata[billing.MetaIdentityID]; ok {
		t.Error("pre-identity subscription must not carry an identity")
	}
}

func TestStartTwiceReturnsSameSignup(t *testing.T) {
	h := newHarness()
	in := StartInput{Email: "a@x.com", PartyName: "The Crew"}
	first, err := h.svc.Start(context.Background(), in)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := h.svc.Start(context.Background(), in)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.PendingSignupID != second.PendingSignupID {
		t.Errorf("ids differ: %s vs %s", first.PendingSignupID, second.PendingSignupID)
	}
	if second.ClientSecret != first.ClientSecret {
		t.Errorf("client secret not recovered: %q vs %q", second.ClientSecret, first.ClientSecret)
	}
	if n := h.processor.SubscriptionCount(); n != 1 {
		t.Errorf("processor subscriptions = %d, want 1", n)
	}
}

func TestStartResumesConfirmedSignup(t *testing.T) {
	h := newHarness()
	first, _ := h.svc.Start(context.Background(), StartInput{Email: "a@x.com", PartyName: "The Crew"})
	rec, _ := h.store.GetByID(context.Background(), first.PendingSignupID)
	if _, err := h.svc.Confirm(context.Background(), rec.StripeSubscriptionID, "a@x.com"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	res, err := h.svc.Start(context.Background(), StartInput{Email: "a@x.com", PartyName: "Another Name"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.PendingSignupID != first.PendingSignupID || !res.PaymentCompleted || res.ClientSecret != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestStartIgnoresExpiredSignup(t *testing.T) {
	h := newHarness()
	h.store.put(models.PendingSignup{
		ID: uuid.New(), Email: "a@x.com", PartyName: "Old", StripeSubscriptionID: "sub_old",
		PaymentCompleted: true, ExpiresAt: time.Now().Add(-time.Minute),
	})
	res, err := h.svc.Start(context.Background(), StartInput{Email: "a@x.com", PartyName: "New"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.PaymentCompleted || res.ClientSecret == "" {
		t.Errorf("expected a fresh signup, got %+v", res)
	}
}

func TestStartLockHeld(t *testing.T) {
	h := newHarness()
	release, _ := h.locker.TryLock(context.Background(), "signup:a@x.com", time.Minute)
	defer release(context.Background())

	if _, err := h.svc.Start(context.Background(), StartInput{Email: "a@x.com", PartyName: "The Crew"}); !errors.Is(err, ErrSignupInProgress) {
		t.Errorf("err = %v, want ErrSignupInProgress", err)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness()
	tests := map[string]StartInput{
		"bad email":  {Email: "not-an-email", PartyName: "x"},
		"empty name": {Email: "a@x.com", PartyName: "  "},
	}
	for name, in := range tests {
		if _, err := h.svc.Start(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", name, err)
		}
	}
}

func TestConfirm(t *testing.T) {
	h := newHarness()
	res, _ := h.svc.Start(context.Background(), StartInput{Email: "a@x.com", PartyName: "The Crew"})
	rec, _ := h.store.GetByID(context.Background(), res.PendingSignupID)

	changed, err := h.svc.Confirm(context.Background(), rec.StripeSubscriptionID, "a@x.com")
	if err != nil || !changed {
		t.Fatalf("Confirm = %v, %v", changed, err)
	}
	changed, err = h.svc.Confirm(context.Background(), rec.StripeSubscriptionID, "a@x.com")
	if err != nil || changed {
		t.Errorf("duplicate Confirm = %v, %v", changed, err)
	}
	changed, err = h.svc.Confirm(context.Background(), "sub_unknown", "b@x.com")
	if err != nil || changed {
		t.Errorf("unknown Confirm = %v, %v", changed, err)
	}
	rec, _ = h.store.GetByID(context.Background(), res.PendingSignupID)
	if rec.State(time.Now()) != models.PendingSignupPaymentConfirmed {
		t.Errorf("state = %s", rec.State(time.Now()))
	}
}

func TestCompleteFailures(t *testing.T) {
	identity := uuid.New()
	other := uuid.New()
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name string
		rec  *models.PendingSignup
		want error
	}{
		{"not found", nil, ErrNotFound},
		{"payment not confirmed", &models.PendingSignup{ExpiresAt: future}, ErrPaymentNotConfirmed},
		{"expired after payment", &models.PendingSignup{PaymentCompleted: true, ExpiresAt: time.Now().Add(-time.Second)}, ErrExpired},
		{"expired before payment", &models.PendingSignup{ExpiresAt: time.Now().Add(-time.Hour)}, ErrExpired},
		{"already completed", &models.PendingSignup{PaymentCompleted: true, UserID: &other, ExpiresAt: future}, ErrAlreadyCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			id := uuid.New()
			if tt.rec != nil {
				tt.rec.ID = id
				tt.rec.Email = "a@x.com"
				tt.rec.PartyName = "The Crew"
				tt.rec.StripeSubscriptionID = "sub_x"
				h.store.put(*tt.rec)
			}
			_, err := h.svc.Complete(context.Background(), identity, id)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if p, _, _, _ := h.parties.Counts(); p != 0 {
				t.Errorf("parties = %d, want 0", p)
			}
		})
	}
}

func TestSignupScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	start, err := h.svc.Start(ctx, StartInput{Email: "a@x.com", PartyName: "The Crew"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, _ := h.store.GetByID(ctx, start.PendingSignupID)
	h.processor.Pay(rec.StripeSubscriptionID)

	if _, err := h.svc.Confirm(ctx, rec.StripeSubscriptionID, "a@x.com"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if p, _, _, _ := h.parties.Counts(); p != 0 {
		t.Fatalf("party created before complete")
	}

	u1 := uuid.New()
	res, err := h.svc.Complete(ctx, u1, start.PendingSignupID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.PartyName != "The Crew" {
		t.Errorf("result = %+v", res)
	}
	p, a, m, s := h.parties.Counts()
	if p != 1 || a != 1 || m != 1 || s != 1 {
		t.Fatalf("counts = %d/%d/%d/%d, want 1/1/1/1", p, a, m, s)
	}
	if g := h.parties.AdminList()[0]; g.UserID != u1 || g.PartyID != res.PartyID {
		t.Errorf("grant = %+v", g)
	}
	sub, _ := h.parties.Ledger().GetByStripeID(ctx, rec.StripeSubscriptionID)
	if sub.Status != models.SubscriptionActive {
		t.Errorf("subscription status = %s", sub.Status)
	}
	md := h.processor.Subscriptions[rec.StripeSubscriptionID].Metadata
	if md[billing.MetaIdentityID] != u1.String() || md[billing.MetaPartyID] != res.PartyID.String() {
		t.Errorf("processor metadata = %v", md)
	}

	if _, err := h.svc.Complete(ctx, u1, start.PendingSignupID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second Complete err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestCompleteToleratesMetadataFailure(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	start, _ := h.svc.Start(ctx, StartInput{Email: "a@x.com", PartyName: "The Crew"})
	rec, _ := h.store.GetByID(ctx, start.PendingSignupID)
	h.processor.Pay(rec.StripeSubscriptionID)
	h.svc.Confirm(ctx, rec.StripeSubscriptionID, "")
	h.processor.MetadataErr = errors.New("processor hiccup")

	if _, err := h.svc.Complete(ctx, uuid.New(), start.PendingSignupID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

// deadlineStore records whether each lookup ran under a deadline.
type deadlineStore struct {
	*memStore
	bounded []bool
}

func (d *deadlineStore) FindActiveByEmail(ctx context.Context, email string, now time.Time) (*models.PendingSignup, error) {
	_, ok := ctx.Deadline()
	d.bounded = append(d.bounded, ok)
	return d.memStore.FindActiveByEmail(ctx, email, now)
}

func (d *deadlineStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PendingSignup, error) {
	_, ok := ctx.Deadline()
	d.bounded = append(d.bounded, ok)
	return d.memStore.GetByID(ctx, id)
}

func TestStartAndCompleteBoundStoreCalls(t *testing.T) {
	h := newHarness()
	store := &deadlineStore{memStore: h.store}
	prov := provisioning.NewProvisioner(h.parties.Parties(), h.parties.Ledger(), nil, nil, nil)
	svc := NewService(store, h.processor, prov, h.parties.Parties(), h.locker,
		Config{PriceID: "price_1", RequestTimeout: time.Minute}, nil)

	start, err := svc.Start(context.Background(), StartInput{Email: "a@x.com", PartyName: "The Crew"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, _ := h.store.GetByID(context.Background(), start.PendingSignupID)
	h.processor.Pay(rec.StripeSubscriptionID)
	svc.Confirm(context.Background(), rec.StripeSubscriptionID, "a@x.com")
	if _, err := svc.Complete(context.Background(), uuid.New(), start.PendingSignupID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(store.bounded) == 0 {
		t.Fatal("store was never called")
	}
	for i, ok := range store.bounded {
		if !ok {
			t.Errorf("store call %d ran without a deadline", i)
		}
	}
}

func TestCompleteGrantsAdminToLinkedIdentity(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	start, _ := h.svc.Start(ctx, StartInput{Email: "a@x.com", PartyName: "The Crew"})
	rec, _ := h.store.GetByID(ctx, start.PendingSignupID)
	h.processor.Pay(rec.StripeSubscriptionID)
	h.svc.Confirm(ctx, rec.StripeSubscriptionID, "a@x.com")

	// Another caller's Complete provisioned the party but has not linked yet.
	first := uuid.New()
	sub, _ := h.processor.GetSubscription(ctx, rec.StripeSubscriptionID)
	prov := provisioning.NewProvisioner(h.parties.Parties(), h.parties.Ledger(), nil, nil, nil)
	partyID, err := prov.Provision(ctx, provisioning.Request{
		PartyName: rec.PartyName, IdentityID: first, Email: rec.Email,
		Snapshot: provisioning.SnapshotFromProcessor(sub),
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	linker := uuid.New()
	res, err := h.svc.Complete(ctx, linker, start.PendingSignupID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.PartyID != partyID {
		t.Fatalf("party = %s, want %s", res.PartyID, partyID)
	}
	ok, _ := h.parties.Parties().IsAdmin(ctx, partyID, linker)
	if !ok {
		t.Error("linked identity does not administer the party it claimed")
	}
	if p, _, _, _ := h.parties.Counts(); p != 1 {
		t.Errorf("parties = %d, want 1", p)
	}

	if _, err := h.svc.Complete(ctx, first, start.PendingSignupID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("losing Complete err = %v, want ErrAlreadyCompleted", err)
	}
}
