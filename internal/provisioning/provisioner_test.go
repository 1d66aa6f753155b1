package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/partyline/backend/internal/models"
	"github.com/partyline/backend/internal/provisioning/provisioningtest"
	"github.com/partyline/backend/pkg/queue"
)

type profileMap map[uuid.UUID]*models.Identity

func (m profileMap) GetProfile(_ context.Context, id uuid.UUID) (*models.Identity, error) {
	return m[id], nil
}

type recordingQueue struct {
	jobs []queue.SubscriptionRepairPayload
}

func (q *recordingQueue) EnqueueSubscriptionRepair(_ context.Context, p queue.SubscriptionRepairPayload) error {
	q.jobs = append(q.jobs, p)
	return nil
}

type failingLedger struct {
	*provisioningtest.Ledger
	err error
}

func (f failingLedger) GetByStripeID(context.Context, string) (*models.Subscription, error) {
	return nil, f.err
}

func newRequest(identity uuid.UUID) Request {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	return Request{
		PartyName:  "The Crew",
		Category:   "dnd",
		IdentityID: identity,
		Email:      "a@x.com",
		Snapshot: Snapshot{
			SubscriptionID: "sub_1",
			CustomerID:     "cus_1",
			Status:         "active",
			Created:        start,
			PeriodStart:    &start,
			PeriodEnd:      &end,
		},
	}
}

func setup() (*Provisioner, *provisioningtest.Store, *recordingQueue) {
	store := provisioningtest.NewStore()
	q := &recordingQueue{}
	p := NewProvisioner(store.Parties(), store.Ledger(), profileMap{}, q, nil)
	return p, store, q
}

func assertCounts(t *testing.T, store *provisioningtest.Store, parties, admins, members, subs int) {
	t.Helper()
	gp, ga, gm, gs := store.Counts()
	if gp != parties || ga != admins || gm != members || gs != subs {
		t.Errorf("counts = parties:%d admins:%d members:%d subs:%d, want %d/%d/%d/%d",
			gp, ga, gm, gs, parties, admins, members, subs)
	}
}

func TestProvisionCreatesQuadruple(t *testing.T) {
	p, store, _ := setup()
	user := uuid.New()
	p.profiles = profileMap{user: {ID: user, Email: "profile@x.com", DisplayName: "Mira"}}
	req := newRequest(user)

	partyID, err := p.Provision(context.Background(), req)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	assertCounts(t, store, 1, 1, 1, 1)

	party := store.PartyList()[0]
	if party.ID != partyID || party.Name != "The Crew" || party.Category != "dnd" || party.IsDemo {
		t.Errorf("party = %+v", party)
	}
	if g := store.AdminList()[0]; g.PartyID != partyID || g.UserID != user {
		t.Errorf("grant = %+v", g)
	}
	m := store.MemberList()[0]
	if m.DisplayName != "Mira" || m.Email == nil || *m.Email != "profile@x.com" || m.UserID == nil || *m.UserID != user {
		t.Errorf("member = %+v", m)
	}
	sub, _ := store.Ledger().GetByStripeID(context.Background(), "sub_1")
	if sub.PartyID != partyID || sub.Status != models.SubscriptionActive || sub.StripeCustomerID != "cus_1" {
		t.Errorf("subscription = %+v", sub)
	}
	if !sub.CurrentPeriodStart.Equal(*req.Snapshot.PeriodStart) || !sub.CurrentPeriodEnd.Equal(*req.Snapshot.PeriodEnd) {
		t.Errorf("period = %v..%v", sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	p, store, _ := setup()
	req := newRequest(uuid.New())

	first, err := p.Provision(context.Background(), req)
	if err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	second, err := p.Provision(context.Background(), req)
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if first != second {
		t.Errorf("party ids differ: %s vs %s", first, second)
	}
	assertCounts(t, store, 1, 1, 1, 1)
}

func TestProvisionRollsBackWhenAdminGrantFails(t *testing.T) {
	p, store, _ := setup()
	store.FailAddAdmin = func() error { return errors.New("admin insert failed") }

	_, err := p.Provision(context.Background(), newRequest(uuid.New()))
	if !errors.Is(err, ErrRollbackableWrite) {
		t.Fatalf("err = %v, want ErrRollbackableWrite", err)
	}
	var we *WriteError
	if !errors.As(err, &we) || we.Step != StepAdminGrant || we.RollbackErr != nil {
		t.Errorf("write error = %+v", we)
	}
	assertCounts(t, store, 0, 0, 0, 0)
}

func TestProvisionRollsBackWhenMemberFails(t *testing.T) {
	p, store, _ := setup()
	store.FailAddMember = func() error { return errors.New("member insert failed") }

	_, err := p.Provision(context.Background(), newRequest(uuid.New()))
	var we *WriteError
	if !errors.As(err, &we) || we.Step != StepMember {
		t.Fatalf("err = %v, want member WriteError", err)
	}
	assertCounts(t, store, 0, 0, 0, 0)
}

func TestProvisionKeepsPartyWhenSubscriptionFails(t *testing.T) {
	p, store, q := setup()
	store.FailCreateSubscription = func(*models.Subscription) error { return errors.New("ledger unavailable") }

	partyID, err := p.Provision(context.Background(), newRequest(uuid.New()))
	d, ok := IsDegraded(err)
	if !ok {
		t.Fatalf("err = %v, want DegradedError", err)
	}
	if errors.Is(err, ErrRollbackableWrite) {
		t.Error("degraded error must not look rollbackable")
	}
	if d.PartyID != partyID || partyID == uuid.Nil || d.SubscriptionID != "sub_1" {
		t.Errorf("degraded = %+v, party = %s", d, partyID)
	}
	assertCounts(t, store, 1, 1, 1, 0)
	if len(q.jobs) != 1 || q.jobs[0].PartyID != partyID || q.jobs[0].StripeSubscriptionID != "sub_1" {
		t.Errorf("repair jobs = %+v", q.jobs)
	}
}

func TestProvisionConcurrentWinnerIsSuccess(t *testing.T) {
	p, store, q := setup()
	req := newRequest(uuid.New())

	var winner uuid.UUID
	store.BeforeSubscriptionInsert = func() {
		store.BeforeSubscriptionInsert = nil
		id, err := p.Provision(context.Background(), req)
		if err != nil {
			t.Errorf("winner Provision: %v", err)
		}
		winner = id
	}

	got, err := p.Provision(context.Background(), req)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if got != winner {
		t.Errorf("party = %s, want winner %s", got, winner)
	}
	assertCounts(t, store, 1, 1, 1, 1)
	if len(q.jobs) != 0 {
		t.Errorf("unexpected repair jobs: %+v", q.jobs)
	}
}

func TestProvisionPeriodFallback(t *testing.T) {
	p, store, _ := setup()
	req := newRequest(uuid.New())
	req.Snapshot.PeriodStart, req.Snapshot.PeriodEnd = nil, nil
	created := req.Snapshot.Created

	if _, err := p.Provision(context.Background(), req); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	sub, _ := store.Ledger().GetByStripeID(context.Background(), "sub_1")
	if !sub.CurrentPeriodStart.Equal(created) {
		t.Errorf("start = %v, want %v", sub.CurrentPeriodStart, created)
	}
	if want := created.Add(365 * 24 * time.Hour); !sub.CurrentPeriodEnd.Equal(want) {
		t.Errorf("end = %v, want %v", sub.CurrentPeriodEnd, want)
	}
}

func TestMemberDisplayNameFallback(t *testing.T) {
	user := uuid.New()
	tests := []struct {
		name      string
		profile   *models.Identity
		email     string
		wantName  string
		wantEmail string
	}{
		{"profile name", &models.Identity{DisplayName: "Mira", Email: "p@x.com"}, "a@x.com", "Mira", "p@x.com"},
		{"profile email", &models.Identity{Email: "p@x.com"}, "a@x.com", "p@x.com", "p@x.com"},
		{"request email", nil, "a@x.com", "a@x.com", "a@x.com"},
		{"generic", nil, "", FallbackDisplayName, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := setup()
			p.profiles = profileMap{user: tt.profile}
			req := newRequest(user)
			req.Email = tt.email

			m := p.memberFor(context.Background(), uuid.New(), req)
			if m.DisplayName != tt.wantName {
				t.Errorf("display name = %q, want %q", m.DisplayName, tt.wantName)
			}
			gotEmail := ""
			if m.Email != nil {
				gotEmail = *m.Email
			}
			if gotEmail != tt.wantEmail {
				t.Errorf("email = %q, want %q", gotEmail, tt.wantEmail)
			}
		})
	}
}

func TestProvisionRejectsInvalidRequest(t *testing.T) {
	p, store, _ := setup()
	tests := map[string]func(*Request){
		"no subscription": func(r *Request) { r.Snapshot.SubscriptionID = "" },
		"no identity":     func(r *Request) { r.IdentityID = uuid.Nil },
		"blank name":      func(r *Request) { r.PartyName = "  " },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := newRequest(uuid.New())
			mutate(&req)
			if _, err := p.Provision(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
	assertCounts(t, store, 0, 0, 0, 0)
}

func TestProvisionLookupErrorWritesNothing(t *testing.T) {
	store := provisioningtest.NewStore()
	boom := errors.New("db down")
	p := NewProvisioner(store.Parties(), failingLedger{Ledger: store.Ledger(), err: boom}, nil, nil, nil)

	if _, err := p.Provision(context.Background(), newRequest(uuid.New())); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped lookup error", err)
	}
	assertCounts(t, store, 0, 0, 0, 0)
}

func TestRepairSubscription(t *testing.T) {
	p, store, _ := setup()
	store.FailCreateSubscription = func(*models.Subscription) error { return errors.New("ledger unavailable") }
	req := newRequest(uuid.New())
	partyID, err := p.Provision(context.Background(), req)
	if _, ok := IsDegraded(err); !ok {
		t.Fatalf("expected degraded provisioning, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.RepairSubscription(context.Background(), partyID, req.Snapshot); err != nil {
			t.Fatalf("RepairSubscription #%d: %v", i+1, err)
		}
	}
	assertCounts(t, store, 1, 1, 1, 1)
	sub, _ := store.Ledger().GetByPartyID(context.Background(), partyID)
	if sub == nil || sub.StripeSubscriptionID != "sub_1" {
		t.Errorf("repaired row = %+v", sub)
	}

	// Provisioning again is now a no-op that finds the repaired row.
	again, err := p.Provision(context.Background(), req)
	if err != nil || again != partyID {
		t.Errorf("Provision after repair = %s, %v", again, err)
	}
}

func TestRepairRemovesPartyDuplicatedByLaterEvent(t *testing.T) {
	p, store, q := setup()
	ctx := context.Background()
	identity := uuid.New()
	req := newRequest(identity)

	store.FailCreateSubscription = func(*models.Subscription) error { return errors.New("ledger unavailable") }
	orphan, err := p.Provision(ctx, req)
	if _, ok := IsDegraded(err); !ok {
		t.Fatalf("expected degraded provisioning, got %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("repair jobs = %d, want 1", len(q.jobs))
	}

	// A different event for the same subscription arrives before the repair job runs.
	store.FailCreateSubscription = nil
	owner, err := p.Provision(ctx, req)
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if owner == orphan {
		t.Fatal("second Provision reused the degraded party")
	}
	assertCounts(t, store, 2, 2, 2, 1)

	if err := p.RepairSubscription(ctx, orphan, req.Snapshot); err != nil {
		t.Fatalf("RepairSubscription: %v", err)
	}
	assertCounts(t, store, 1, 1, 1, 1)
	parties := store.PartyList()
	if len(parties) != 1 || parties[0].ID != owner {
		t.Errorf("remaining parties = %+v, want only %s", parties, owner)
	}
}
