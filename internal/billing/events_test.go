package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

const testSecret = "whsec_test"

type recordedReplay struct {
	EventID string
	Cause   string
}

type recordingReplays struct {
	mu      sync.Mutex
	replays []recordedReplay
}

func (r *recordingReplays) ScheduleReplay(_ context.Context, ev *Event, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays = append(r.replays, recordedReplay{EventID: ev.ID, Cause: cause.Error()})
	return nil
}

func eventPayload(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     t0.Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

// signPayload builds a Stripe-Signature header for payload.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestRouter(t *testing.T) (*memStore, *fakeGateway, *EventRouter, *recordingReplays) {
	t.Helper()
	st := newMemStore()
	gw := newFakeGateway()
	replays := &recordingReplays{}
	router := NewEventRouter(newTestService(t, st, gw), testSecret, replays, nil)
	return st, gw, router, replays
}

func deliver(t *testing.T, router *EventRouter, payload []byte) *Event {
	t.Helper()
	ev, err := router.Handle(context.Background(), payload, signPayload(payload, testSecret, time.Now()))
	require.NoError(t, err)
	return ev
}

func TestParseEventKind(t *testing.T) {
	assert.Equal(t, EventCheckoutCompleted, ParseEventKind("checkout.session.completed"))
	assert.Equal(t, EventSubscriptionCreated, ParseEventKind("customer.subscription.created"))
	assert.Equal(t, EventSubscriptionUpdated, ParseEventKind("customer.subscription.updated"))
	assert.Equal(t, EventSubscriptionDeleted, ParseEventKind("customer.subscription.deleted"))
	assert.Equal(t, EventInvoicePaymentFailed, ParseEventKind("invoice.payment_failed"))
	assert.Equal(t, EventUnknown, ParseEventKind("customer.created"))
}

func TestHandleRejectsBadSignatures(t *testing.T) {
	st, _, router, replays := newTestRouter(t)
	payload := eventPayload(t, "evt_1", "customer.subscription.updated", map[string]any{"id": "sub_1"})

	_, err := router.Handle(context.Background(), payload, "")
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = router.Handle(context.Background(), payload, signPayload(payload, "whsec_other", time.Now()))
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, KindAuthentication, KindOf(err))

	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] = ' '
	_, err = router.Handle(context.Background(), tampered, signPayload(payload, testSecret, time.Now()))
	require.ErrorIs(t, err, ErrInvalidSignature)

	assert.Zero(t, st.writeCount())
	assert.Empty(t, replays.replays)
}

func TestHandleIgnoresUnknownEvents(t *testing.T) {
	st, _, router, replays := newTestRouter(t)

	ev := deliver(t, router, eventPayload(t, "evt_2", "customer.created", map[string]any{"id": "cus_1"}))
	assert.Equal(t, EventUnknown, ev.Kind)
	assert.Zero(t, st.writeCount())
	assert.Empty(t, replays.replays)
}

func TestHandleSubscriptionUpdatedReconciles(t *testing.T) {
	st, gw, router, _ := newTestRouter(t)
	rec := st.addSub("u1", "sub_1", models.PlanGrowth, models.StatusActive, t0)
	gw.addRemote("sub_1", "past_due", "price_growth", t0.AddDate(0, 0, 20))

	deliver(t, router, eventPayload(t, "evt_3", "customer.subscription.updated", map[string]any{
		"id": "sub_1", "object": "subscription", "status": "active",
	}))

	got := st.sub(rec.ID)
	assert.Equal(t, models.StatusPastDue, got.Status, "the refetched remote state wins over the event body")
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(t0.AddDate(0, 0, 20)))
}

func TestHandleSubscriptionDeletedFallsBackToEventBody(t *testing.T) {
	st, _, router, _ := newTestRouter(t)
	rec := st.addSub("u1", "sub_1", models.PlanGrowth, models.StatusActive, t0.Add(-time.Hour))
	canceledAt := t0.Add(-10 * time.Minute)

	deliver(t, router, eventPayload(t, "evt_4", "customer.subscription.deleted", map[string]any{
		"id":                   "sub_1",
		"object":               "subscription",
		"status":               "canceled",
		"canceled_at":          canceledAt.Unix(),
		"current_period_start": t0.AddDate(0, -1, 0).Unix(),
		"current_period_end":   t0.Unix(),
	}))

	got := st.sub(rec.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(canceledAt))
}

func TestHandleCheckoutPaymentCompletesPurchase(t *testing.T) {
	st, _, router, _ := newTestRouter(t)

	deliver(t, router, eventPayload(t, "evt_5", "checkout.session.completed", map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "payment",
	}))
	assert.Equal(t, 1, st.completed["cs_1"])
}

func TestHandleCheckoutSubscriptionCreatesRecord(t *testing.T) {
	st, gw, router, _ := newTestRouter(t)
	old := st.addSub("u1", "sub_old", models.PlanStarter, models.StatusActive, t0.Add(-time.Hour))
	gw.addRemote("sub_new", "active", "price_professional", t0.AddDate(0, 1, 0))

	deliver(t, router, eventPayload(t, "evt_6", "checkout.session.completed", map[string]any{
		"id":                  "cs_2",
		"object":              "checkout.session",
		"mode":                "subscription",
		"subscription":        "sub_new",
		"customer":            "cus_sub_new",
		"client_reference_id": "u1",
		"metadata":            map[string]string{"plan_tier": "professional"},
	}))

	created, err := st.GetSubscriptionByStripeID(context.Background(), "sub_new")
	require.NoError(t, err)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, models.PlanProfessional, created.PlanTier)
	assert.Equal(t, 15, created.JobLimit)
	assert.Equal(t, models.StatusActive, created.Status)
	assert.Equal(t, models.StatusReplaced, st.sub(old.ID).Status)
	assert.Equal(t, 1, st.liveCount("u1"))
	assert.Equal(t, "cus_sub_new", st.profiles["u1"])
}

func TestHandleSchedulesReplayWhenHandlerFails(t *testing.T) {
	st, gw, router, replays := newTestRouter(t)
	st.addSub("u1", "sub_1", models.PlanGrowth, models.StatusActive, t0)
	gw.getErr["sub_1"] = errors.New("stripe timeout")

	ev := deliver(t, router, eventPayload(t, "evt_7", "customer.subscription.updated", map[string]any{"id": "sub_1"}))
	assert.Equal(t, "evt_7", ev.ID)
	require.Len(t, replays.replays, 1)
	assert.Equal(t, "evt_7", replays.replays[0].EventID)
	assert.Contains(t, replays.replays[0].Cause, "stripe timeout")
}

func TestParseRoundTripsForReplay(t *testing.T) {
	st, gw, router, _ := newTestRouter(t)
	rec := st.addSub("u1", "sub_1", models.PlanGrowth, models.StatusActive, t0)
	gw.addRemote("sub_1", "unpaid", "price_growth", t0.AddDate(0, 0, 20))
	payload := eventPayload(t, "evt_8", "invoice.payment_failed", map[string]any{
		"id": "in_1", "object": "invoice", "subscription": "sub_1",
	})

	ev, err := router.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, EventInvoicePaymentFailed, ev.Kind)
	require.NoError(t, router.Dispatch(context.Background(), ev))
	assert.Equal(t, models.StatusUnpaid, st.sub(rec.ID).Status)
}

func TestSyncRemoteSkipsCancelledUnknownSubscription(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, newFakeGateway())

	sub, err := svc.SyncRemote(context.Background(), &models.RemoteSubscription{ID: "sub_x", Status: "canceled"}, SyncHints{UserID: "u1"})
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Zero(t, st.writeCount())
}

func TestSyncRemoteNeedsUserAndTier(t *testing.T) {
	svc := newTestService(t, newMemStore(), newFakeGateway())
	remote := &models.RemoteSubscription{
		ID:     "sub_x",
		Status: "active",
		Items:  []models.RemoteItem{{ID: "si_x", PriceID: "price_unknown"}},
	}

	_, err := svc.SyncRemote(context.Background(), remote, SyncHints{})
	require.Error(t, err)

	_, err = svc.SyncRemote(context.Background(), remote, SyncHints{UserID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot determine plan tier")
}

func TestSyncRemoteResolvesTierFromCatalog(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, newFakeGateway())
	remote := &models.RemoteSubscription{
		ID:         "sub_y",
		CustomerID: "cus_y",
		Status:     "trialing",
		Items:      []models.RemoteItem{{ID: "si_y", PriceID: "price_growth"}},
		Metadata:   map[string]string{"user_id": "u5"},
		ObservedAt: t0,
	}

	sub, err := svc.SyncRemote(context.Background(), remote, SyncHints{})
	require.NoError(t, err)
	assert.Equal(t, models.PlanGrowth, sub.PlanTier)
	assert.Equal(t, models.StatusTrialing, sub.Status)
	assert.Equal(t, "u5", sub.UserID)
}
