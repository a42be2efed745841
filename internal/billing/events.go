package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/PortNumber53/fieldjobs-billing/internal/metrics"
	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
	"github.com/PortNumber53/fieldjobs-billing/internal/stripe"
)

// EventKind is the closed set of webhook events the router acts on.
type EventKind string

const (
	EventCheckoutCompleted    EventKind = "checkout_completed"
	EventSubscriptionCreated  EventKind = "subscription_created"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
	EventInvoicePaymentFailed EventKind = "invoice_payment_failed"
	EventUnknown              EventKind = "unknown"
)

// ParseEventKind maps a Stripe event type onto an EventKind.
func ParseEventKind(eventType string) EventKind {
	switch eventType {
	case "checkout.session.completed":
		return EventCheckoutCompleted
	case "customer.subscription.created":
		return EventSubscriptionCreated
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	case "invoice.payment_failed":
		return EventInvoicePaymentFailed
	}
	return EventUnknown
}

// Event is a verified webhook event.
type Event struct {
	ID      string
	Type    string
	Kind    EventKind
	Created time.Time
	Object  json.RawMessage
	// Payload is the full event body as delivered.
	Payload []byte
}

// ReplayScheduler persists a failed event for a later retry.
type ReplayScheduler interface {
	ScheduleReplay(ctx context.Context, ev *Event, cause error) error
}

// EventRouter verifies webhook deliveries and routes them to the service.
type EventRouter struct {
	svc     *Service
	secret  string
	replays ReplayScheduler
	metrics *metrics.Metrics
}

// NewEventRouter builds a router. replays may be nil, in which case failures
// are only logged.
func NewEventRouter(svc *Service, secret string, replays ReplayScheduler, m *metrics.Metrics) *EventRouter {
	return &EventRouter{svc: svc, secret: secret, replays: replays, metrics: m}
}

// Verify checks the Stripe-Signature header against the payload.
func (r *EventRouter) Verify(payload []byte, signature string) (*Event, error) {
	if signature == "" {
		return nil, ErrInvalidSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, r.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return fromStripeEvent(ev, payload), nil
}

// Parse decodes a payload that was verified when it was first received.
func (r *EventRouter) Parse(payload []byte) (*Event, error) {
	var ev stripego.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return fromStripeEvent(ev, payload), nil
}

func fromStripeEvent(ev stripego.Event, payload []byte) *Event {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Kind:    ParseEventKind(string(ev.Type)),
		Created: time.Unix(ev.Created, 0).UTC(),
		Payload: payload,
	}
	if ev.Data != nil {
		out.Object = ev.Data.Raw
	}
	return out
}

// Handle verifies and dispatches one delivery. Only a verification failure is
// returned; handler failures are logged and scheduled for replay so the sender
// still gets an acknowledgment.
func (r *EventRouter) Handle(ctx context.Context, payload []byte, signature string) (*Event, error) {
	ev, err := r.Verify(payload, signature)
	if err != nil {
		r.metrics.WebhookEvent("invalid", "rejected")
		return nil, err
	}

	if err := r.Dispatch(ctx, ev); err != nil {
		r.metrics.WebhookEvent(string(ev.Kind), "failed")
		log.Printf("[webhook] event=%s type=%s failed: %v", ev.ID, ev.Type, err)
		if r.replays != nil {
			if qerr := r.replays.ScheduleReplay(ctx, ev, err); qerr != nil {
				log.Printf("[webhook] event=%s: could not schedule replay: %v", ev.ID, qerr)
			}
		}
		return ev, nil
	}

	outcome := "ok"
	if ev.Kind == EventUnknown {
		outcome = "ignored"
	}
	r.metrics.WebhookEvent(string(ev.Kind), outcome)
	return ev, nil
}

// Dispatch runs the handler for the event's kind.
func (r *EventRouter) Dispatch(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case EventCheckoutCompleted:
		return r.onCheckoutCompleted(ctx, ev)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return r.onSubscriptionChanged(ctx, ev)
	case EventInvoicePaymentFailed:
		return r.onInvoicePaymentFailed(ctx, ev)
	default:
		log.Printf("[webhook] event=%s: ignoring unhandled type %s", ev.ID, ev.Type)
		return nil
	}
}

func (r *EventRouter) onCheckoutCompleted(ctx context.Context, ev *Event) error {
	var sess stripego.CheckoutSession
	if err := json.Unmarshal(ev.Object, &sess); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	snap := stripe.CheckoutSnapshot(&sess)

	switch snap.Mode {
	case string(stripego.CheckoutSessionModePayment):
		n, err := r.svc.store.CompletePurchase(ctx, snap.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			log.Printf("[webhook] checkout=%s: no pending purchase matched", snap.ID)
		}
		return nil
	case string(stripego.CheckoutSessionModeSubscription):
		if snap.SubscriptionID == "" {
			return fmt.Errorf("checkout %s completed without a subscription", snap.ID)
		}
		userID := snap.ClientRefID
		if userID == "" {
			userID = snap.Metadata["user_id"]
		}
		remote, err := r.svc.gateway.GetSubscription(ctx, snap.SubscriptionID)
		if err != nil {
			return err
		}
		if remote.CustomerID == "" {
			remote.CustomerID = snap.CustomerID
		}
		_, err = r.svc.SyncRemote(ctx, remote, SyncHints{UserID: userID, Tier: snap.Metadata["plan_tier"]})
		return err
	}
	log.Printf("[webhook] checkout=%s: ignoring mode %q", snap.ID, snap.Mode)
	return nil
}

func (r *EventRouter) onSubscriptionChanged(ctx context.Context, ev *Event) error {
	var sub stripego.Subscription
	if err := json.Unmarshal(ev.Object, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == "" {
		return errors.New("subscription event without id")
	}

	remote, err := r.svc.gateway.GetSubscription(ctx, sub.ID)
	if errors.Is(err, models.ErrRemoteNotFound) {
		// Deleted subscriptions can vanish from the API; the event body is
		// the last word on them.
		remote = stripe.SubscriptionSnapshot(&sub, ev.Object, ev.Created)
	} else if err != nil {
		return err
	}

	_, err = r.svc.SyncRemote(ctx, remote, SyncHints{
		UserID: sub.Metadata["user_id"],
		Tier:   sub.Metadata["plan_tier"],
	})
	return err
}

func (r *EventRouter) onInvoicePaymentFailed(ctx context.Context, ev *Event) error {
	var inv stripego.Invoice
	if err := json.Unmarshal(ev.Object, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		log.Printf("[webhook] invoice=%s: payment failed outside a subscription", inv.ID)
		return nil
	}

	remote, err := r.svc.gateway.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return err
	}
	_, err = r.svc.SyncRemote(ctx, remote, SyncHints{})
	return err
}

// SyncHints carries identifiers from the event that the remote subscription
// itself may lack.
type SyncHints struct {
	UserID string
	Tier   string
}

// SyncRemote brings the local mirror of a remote subscription up to date.
// Known subscriptions are reconciled. Unknown ones are created when they are
// not already cancelled, with the tier taken from the hints, the
// subscription metadata, or the price catalog.
func (s *Service) SyncRemote(ctx context.Context, remote *models.RemoteSubscription, hints SyncHints) (*models.Subscription, error) {
	rec, err := s.store.GetSubscriptionByStripeID(ctx, remote.ID)
	if err == nil {
		return s.Reconcile(ctx, rec, remote)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, internalError("load subscription", err)
	}

	status, ok := NormalizeStatus(remote.Status, remote.CancelAtPeriodEnd)
	if !ok {
		return nil, fmt.Errorf("subscription %s has unknown status %q", remote.ID, remote.Status)
	}
	if status == models.StatusCancelled && !remote.CancelAtPeriodEnd {
		log.Printf("[billing] sync: ignoring cancelled subscription %s with no local record", remote.ID)
		return nil, nil
	}

	userID := hints.UserID
	if userID == "" {
		userID = remote.Metadata["user_id"]
	}
	if userID == "" {
		return nil, fmt.Errorf("subscription %s carries no user reference", remote.ID)
	}

	tier, err := s.tierFor(remote, hints.Tier)
	if err != nil {
		return nil, err
	}

	in := store.SubscriptionInput{
		UserID:               userID,
		Tier:                 tier,
		StripeSubscriptionID: remote.ID,
		StripeCustomerID:     remote.CustomerID,
		StripePriceID:        remote.PriceID(),
		Status:               status,
		CurrentPeriodStart:   pickTime(nil, remote.CurrentPeriodStart),
		CurrentPeriodEnd:     pickTime(nil, remote.CurrentPeriodEnd),
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
		SyncedAt:             remote.ObservedAt,
	}
	if status == models.StatusCancelled {
		at := s.now().UTC()
		if remote.CanceledAt != nil {
			at = *remote.CanceledAt
		}
		in.CancelledAt = &at
	}
	if in.SyncedAt.IsZero() {
		in.SyncedAt = s.now().UTC()
	}

	sub, err := s.store.UpsertSubscription(ctx, in)
	if err != nil {
		return nil, internalError("store subscription", err)
	}
	if remote.CustomerID != "" {
		if err := s.store.SetProfileCustomerID(ctx, userID, remote.CustomerID); err != nil {
			log.Printf("[billing] sync user=%s: could not record customer id: %v", userID, err)
		}
	}
	log.Printf("[billing] sync: created subscription=%d user=%s tier=%s status=%s", sub.ID, userID, tier, status)
	return sub, nil
}

func (s *Service) tierFor(remote *models.RemoteSubscription, hint string) (models.PlanTier, error) {
	for _, raw := range []string{hint, remote.Metadata["plan_tier"]} {
		if raw == "" {
			continue
		}
		if tier, err := models.ParsePlanTier(raw); err == nil {
			return tier, nil
		}
	}
	if tier, ok := s.catalog.TierForPrice(remote.PriceID()); ok {
		return tier, nil
	}
	return "", fmt.Errorf("subscription %s: cannot determine plan tier for price %q", remote.ID, remote.PriceID())
}
