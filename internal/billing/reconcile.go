package billing

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

// NormalizeStatus maps a Stripe subscription status onto the local vocabulary.
// A live subscription with cancellation pending is treated as cancelled
// locally. Unknown statuses report ok=false.
func NormalizeStatus(remote string, cancelAtPeriodEnd bool) (models.SubscriptionStatus, bool) {
	switch strings.ToLower(remote) {
	case "active":
		if cancelAtPeriodEnd {
			return models.StatusCancelled, true
		}
		return models.StatusActive, true
	case "trialing":
		if cancelAtPeriodEnd {
			return models.StatusCancelled, true
		}
		return models.StatusTrialing, true
	case "past_due", "paused":
		return models.StatusPastDue, true
	case "unpaid", "incomplete":
		return models.StatusUnpaid, true
	case "canceled", "cancelled", "incomplete_expired":
		return models.StatusCancelled, true
	}
	return "", false
}

// Reconcile merges a remote snapshot into a local record and returns the
// record as stored afterwards. Snapshots observed before the record's last
// sync are ignored, and a snapshot that changes nothing only advances the
// record's sync time.
func (s *Service) Reconcile(ctx context.Context, rec *models.Subscription, remote *models.RemoteSubscription) (*models.Subscription, error) {
	if rec.RemoteSyncedAt != nil && !remote.ObservedAt.IsZero() && remote.ObservedAt.Before(*rec.RemoteSyncedAt) {
		log.Printf("[billing] reconcile subscription=%d: ignoring snapshot observed %s before last sync %s",
			rec.ID, remote.ObservedAt.Format(time.RFC3339), rec.RemoteSyncedAt.Format(time.RFC3339))
		return rec, nil
	}

	status, ok := NormalizeStatus(remote.Status, remote.CancelAtPeriodEnd)
	if !ok {
		log.Printf("[billing] reconcile subscription=%d: unknown remote status %q, leaving record unchanged", rec.ID, remote.Status)
		return rec, nil
	}

	start := pickTime(rec.CurrentPeriodStart, remote.CurrentPeriodStart)
	end := pickTime(rec.CurrentPeriodEnd, remote.CurrentPeriodEnd)
	tier, priceID := s.remotePlan(rec, remote)

	if status == rec.Status &&
		tier == rec.PlanTier &&
		priceID == rec.StripePriceID &&
		sameTime(rec.CurrentPeriodStart, start) &&
		sameTime(rec.CurrentPeriodEnd, end) &&
		rec.CancelAtPeriodEnd == remote.CancelAtPeriodEnd {
		if !remote.ObservedAt.IsZero() {
			if err := s.store.TouchSynced(ctx, rec.ID, remote.ObservedAt); err != nil {
				log.Printf("[billing] reconcile subscription=%d: touch synced: %v", rec.ID, err)
			}
		}
		return rec, nil
	}

	cancelledAt := rec.CancelledAt
	switch {
	case status == models.StatusCancelled:
		if cancelledAt == nil {
			at := s.now().UTC()
			if remote.CanceledAt != nil {
				at = *remote.CanceledAt
			}
			cancelledAt = &at
		}
	case remoteLive(remote.Status) && !remote.CancelAtPeriodEnd:
		cancelledAt = nil
	}

	syncedAt := remote.ObservedAt
	if syncedAt.IsZero() {
		syncedAt = s.now().UTC()
	}

	st := store.SyncState{
		Status:             status,
		Tier:               tier,
		PriceID:            priceID,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  remote.CancelAtPeriodEnd,
		CancelledAt:        cancelledAt,
		SyncedAt:           syncedAt,
	}
	if err := s.store.SaveSyncState(ctx, rec.ID, st); err != nil {
		return nil, internalError("save reconciled state", err)
	}

	log.Printf("[billing] reconcile subscription=%d stripe=%s: %s/%s -> %s/%s",
		rec.ID, rec.StripeID(), rec.Status, rec.PlanTier, status, tier)

	out := *rec
	out.ApplyTier(tier)
	out.StripePriceID = priceID
	out.Status = status
	out.CurrentPeriodStart = start
	out.CurrentPeriodEnd = end
	out.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	out.CancelledAt = cancelledAt
	out.RemoteSyncedAt = &syncedAt
	return &out, nil
}

// remotePlan returns the tier and price the remote subscription bills. A
// price missing from the catalog leaves the local plan as it is.
func (s *Service) remotePlan(rec *models.Subscription, remote *models.RemoteSubscription) (models.PlanTier, string) {
	priceID := remote.PriceID()
	if priceID == "" || priceID == rec.StripePriceID {
		return rec.PlanTier, rec.StripePriceID
	}
	tier, ok := s.catalog.TierForPrice(priceID)
	if !ok {
		log.Printf("[billing] reconcile subscription=%d: remote price %s is not in the catalog, keeping %s",
			rec.ID, priceID, rec.PlanTier)
		return rec.PlanTier, rec.StripePriceID
	}
	return tier, priceID
}

// pickTime prefers the remote value; a zero remote value keeps the local one.
func pickTime(local *time.Time, remote time.Time) *time.Time {
	if remote.IsZero() {
		return local
	}
	t := remote.UTC()
	return &t
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
