package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore mirrors the Postgres store's semantics in memory, including the
// one-live-subscription sweep and the single pending change rule.
type memStore struct {
	mu sync.Mutex

	nextID     int64
	subs       map[int64]*models.Subscription
	changes    map[int64]*models.ScheduledChange
	activeJobs map[string]int
	jobs       map[string][]models.JobPurchase
	features   map[string][]models.FeaturePurchase
	profiles   map[string]string
	completed  map[string]int

	jobsErr     error
	featuresErr error
	commitErr   error
	profileErr  error
	writes      int
	touches     int
}

func newMemStore() *memStore {
	return &memStore{
		subs:       map[int64]*models.Subscription{},
		changes:    map[int64]*models.ScheduledChange{},
		activeJobs: map[string]int{},
		jobs:       map[string][]models.JobPurchase{},
		features:   map[string][]models.FeaturePurchase{},
		profiles:   map[string]string{},
		completed:  map[string]int{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// addSub seeds a subscription record. created orders records newest first.
func (m *memStore) addSub(userID, stripeID string, tier models.PlanTier, status models.SubscriptionStatus, created time.Time) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &models.Subscription{
		ID:               m.id(),
		UserID:           userID,
		StripeCustomerID: "cus_" + userID,
		StripePriceID:    "price_" + string(tier),
		Status:           status,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	if stripeID != "" {
		sid := stripeID
		sub.StripeSubscriptionID = &sid
	}
	sub.ApplyTier(tier)
	m.subs[sub.ID] = sub
	return sub
}

func (m *memStore) sub(id int64) models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.subs[id]
}

func (m *memStore) liveCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.UserID == userID && s.Status.Live() {
			n++
		}
	}
	return n
}

func (m *memStore) change(id int64) models.ScheduledChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.changes[id]
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) sweepLocked(userID string, keep int64) {
	for _, s := range m.subs {
		if s.UserID == userID && s.ID != keep && s.Status.Live() {
			s.Status = models.StatusReplaced
		}
	}
}

func (m *memStore) ListSubscriptionsByUser(_ context.Context, userID string) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSubscriptionByStripeID(_ context.Context, stripeID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.StripeID() == stripeID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpsertSubscription(_ context.Context, in store.SubscriptionInput) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	var target *models.Subscription
	for _, s := range m.subs {
		if s.StripeID() == in.StripeSubscriptionID {
			target = s
		}
	}
	if target == nil {
		sid := in.StripeSubscriptionID
		target = &models.Subscription{ID: m.id(), UserID: in.UserID, StripeSubscriptionID: &sid, CreatedAt: in.SyncedAt}
		m.subs[target.ID] = target
	}
	if in.Status.Live() {
		m.sweepLocked(in.UserID, target.ID)
	}
	target.ApplyTier(in.Tier)
	target.StripeCustomerID = in.StripeCustomerID
	target.StripePriceID = in.StripePriceID
	target.Status = in.Status
	target.CurrentPeriodStart = in.CurrentPeriodStart
	target.CurrentPeriodEnd = in.CurrentPeriodEnd
	target.CancelAtPeriodEnd = in.CancelAtPeriodEnd
	if target.CancelledAt == nil {
		target.CancelledAt = in.CancelledAt
	}
	synced := in.SyncedAt
	target.RemoteSyncedAt = &synced
	cp := *target
	return &cp, nil
}

func (m *memStore) SaveSyncState(_ context.Context, id int64, st store.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	s, ok := m.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	if st.Status.Live() {
		m.sweepLocked(s.UserID, id)
	}
	s.ApplyTier(st.Tier)
	s.StripePriceID = st.PriceID
	s.Status = st.Status
	s.CurrentPeriodStart = st.CurrentPeriodStart
	s.CurrentPeriodEnd = st.CurrentPeriodEnd
	s.CancelAtPeriodEnd = st.CancelAtPeriodEnd
	s.CancelledAt = st.CancelledAt
	synced := st.SyncedAt
	s.RemoteSyncedAt = &synced
	return nil
}

// TouchSynced only advances the sync watermark. It is not counted as a write.
func (m *memStore) TouchSynced(_ context.Context, id int64, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil
	}
	if s.RemoteSyncedAt == nil || s.RemoteSyncedAt.Before(syncedAt) {
		at := syncedAt
		s.RemoteSyncedAt = &at
		m.touches++
	}
	return nil
}

func (m *memStore) CancelSubscription(_ context.Context, id int64, at time.Time, atPeriodEnd bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	s, ok := m.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = models.StatusCancelled
	if s.CancelledAt == nil {
		s.CancelledAt = &at
	}
	s.CancelAtPeriodEnd = atPeriodEnd
	for _, c := range m.changes {
		if c.SubscriptionID == id && c.Status == models.ChangeScheduled {
			c.Status = models.ChangeCancelled
		}
	}
	return nil
}

func (m *memStore) ReactivateSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	s, ok := m.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.sweepLocked(s.UserID, id)
	s.Status = models.StatusActive
	s.CancelledAt = nil
	s.CancelAtPeriodEnd = false
	cp := *s
	return &cp, nil
}

func (m *memStore) CommitPlanChange(_ context.Context, pc store.PlanChange) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return nil, m.commitErr
	}
	m.writes++
	s, ok := m.subs[pc.SubscriptionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.sweepLocked(s.UserID, s.ID)
	s.ApplyTier(pc.Tier)
	s.StripePriceID = pc.PriceID
	s.Status = models.StatusActive
	s.CancelledAt = nil
	s.CancelAtPeriodEnd = false
	for _, c := range m.changes {
		if c.UserID != s.UserID || c.Status != models.ChangeScheduled {
			continue
		}
		if c.ID == pc.AppliedChangeID {
			c.Status = models.ChangeApplied
		} else {
			c.Status = models.ChangeSuperseded
		}
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetPendingChange(_ context.Context, userID string) (*models.ScheduledChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.changes {
		if c.UserID == userID && c.Status == models.ChangeScheduled {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CreateScheduledChange(_ context.Context, c *models.ScheduledChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.changes {
		if existing.UserID == c.UserID && existing.Status == models.ChangeScheduled {
			return store.ErrChangeAlreadyScheduled
		}
	}
	m.writes++
	c.ID = m.id()
	c.Status = models.ChangeScheduled
	cp := *c
	m.changes[c.ID] = &cp
	return nil
}

func (m *memStore) ListDueChanges(_ context.Context, now time.Time, _ int) ([]models.ScheduledChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledChange
	for _, c := range m.changes {
		if c.Status == models.ChangeScheduled && !c.EffectiveDate.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SetChangeStatus(_ context.Context, id int64, status models.ChangeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[id]
	if !ok || c.Status != models.ChangeScheduled {
		return store.ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *memStore) CountActiveJobs(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeJobs[userID], nil
}

func (m *memStore) ListJobPurchases(_ context.Context, userID string) ([]models.JobPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobsErr != nil {
		return nil, m.jobsErr
	}
	return m.jobs[userID], nil
}

func (m *memStore) ListFeaturePurchases(_ context.Context, userID string) ([]models.FeaturePurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.featuresErr != nil {
		return nil, m.featuresErr
	}
	return m.features[userID], nil
}

func (m *memStore) CompletePurchase(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[sessionID]++
	return 1, nil
}

func (m *memStore) GetProfileCustomerID(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profileErr != nil {
		return "", m.profileErr
	}
	id, ok := m.profiles[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (m *memStore) SetProfileCustomerID(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = customerID
	return nil
}

type priceUpdate struct {
	SubscriptionID string
	ItemID         string
	PriceID        string
}

// fakeGateway serves remote subscriptions from memory.
type fakeGateway struct {
	mu sync.Mutex

	subs       map[string]*models.RemoteSubscription
	getErr     map[string]error
	updateErr  error
	cancelErr  error
	updates    []priceUpdate
	cancelSets []bool

	invoices    []models.RemoteInvoice
	invoicesErr error
	invoiceByID map[string]*models.RemoteInvoice
	sessions    map[string]*models.RemoteCheckoutSession
	sessionErr  error
	listCalls   int

	portalURL string
	observed  time.Time
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subs:        map[string]*models.RemoteSubscription{},
		getErr:      map[string]error{},
		invoiceByID: map[string]*models.RemoteInvoice{},
		sessions:    map[string]*models.RemoteCheckoutSession{},
		portalURL:   "https://billing.example/portal",
		observed:    t0,
	}
}

// addRemote registers a remote subscription with one item on priceID.
func (g *fakeGateway) addRemote(id, status, priceID string, periodEnd time.Time) *models.RemoteSubscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := &models.RemoteSubscription{
		ID:                 id,
		CustomerID:         "cus_" + id,
		Status:             status,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
		Items:              []models.RemoteItem{{ID: "si_" + id, PriceID: priceID}},
	}
	g.subs[id] = r
	return r
}

// snapshot returns a copy stamped with a strictly increasing observation time.
func (g *fakeGateway) snapshot(r *models.RemoteSubscription) *models.RemoteSubscription {
	g.observed = g.observed.Add(time.Second)
	cp := *r
	cp.Items = append([]models.RemoteItem(nil), r.Items...)
	cp.ObservedAt = g.observed
	return &cp
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*models.RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.getErr[id]; err != nil {
		return nil, err
	}
	r, ok := g.subs[id]
	if !ok {
		return nil, models.ErrRemoteNotFound
	}
	return g.snapshot(r), nil
}

func (g *fakeGateway) UpdateSubscriptionPrice(_ context.Context, subscriptionID, itemID, priceID string) (*models.RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateErr != nil {
		return nil, g.updateErr
	}
	r, ok := g.subs[subscriptionID]
	if !ok {
		return nil, models.ErrRemoteNotFound
	}
	g.updates = append(g.updates, priceUpdate{subscriptionID, itemID, priceID})
	for i := range r.Items {
		if r.Items[i].ID == itemID {
			r.Items[i].PriceID = priceID
		}
	}
	return g.snapshot(r), nil
}

func (g *fakeGateway) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) (*models.RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	r, ok := g.subs[subscriptionID]
	if !ok {
		return nil, models.ErrRemoteNotFound
	}
	g.cancelSets = append(g.cancelSets, cancel)
	r.CancelAtPeriodEnd = cancel
	if cancel {
		at := t0
		r.CanceledAt = &at
	} else {
		r.CanceledAt = nil
	}
	return g.snapshot(r), nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	return g.portalURL + "?customer=" + customerID, nil
}

func (g *fakeGateway) ListInvoices(_ context.Context, _ string, _ int) ([]models.RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	if g.invoicesErr != nil {
		return nil, g.invoicesErr
	}
	return g.invoices, nil
}

func (g *fakeGateway) GetInvoice(_ context.Context, id string) (*models.RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoiceByID[id]
	if !ok {
		return nil, models.ErrRemoteNotFound
	}
	return inv, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, id string) (*models.RemoteCheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	return s, nil
}

func newTestService(t *testing.T, st *memStore, gw *fakeGateway) *Service {
	t.Helper()
	svc, err := NewService(st, gw, Options{
		Catalog: NewCatalog(map[models.PlanTier]string{
			models.PlanStarter:      "price_starter",
			models.PlanGrowth:       "price_growth",
			models.PlanProfessional: "price_professional",
			models.PlanEnterprise:   "price_enterprise",
		}),
		PortalReturnURL: "https://app.example/billing",
		Now:             func() time.Time { return t0 },
	})
	require.NoError(t, err)
	return svc
}
