package billing

import (
	"context"
	"errors"
	"log"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// billableRemote lists the remote statuses under which a subscription is still
// honoured.
var billableRemote = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
	"unpaid":   true,
}

// ValidSubscription pairs a reconciled local record with the remote snapshot
// it was reconciled against.
type ValidSubscription struct {
	Record *models.Subscription
	Remote *models.RemoteSubscription
}

// ValidSubscription finds the user's newest subscription that Stripe still
// bills. Records whose remote subscription no longer exists are marked
// cancelled along the way. It returns ErrNoValidSubscription when nothing
// qualifies.
func (s *Service) ValidSubscription(ctx context.Context, userID string) (*ValidSubscription, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}

	records, err := s.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return nil, internalError("list subscriptions", err)
	}

	var remoteErr error
	for i := range records {
		rec := &records[i]
		stripeID := rec.StripeID()
		if stripeID == "" {
			continue
		}

		remote, err := s.gateway.GetSubscription(ctx, stripeID)
		if errors.Is(err, models.ErrRemoteNotFound) {
			s.cleanupOrphan(ctx, rec)
			continue
		}
		if err != nil {
			log.Printf("[billing] validate user=%s: skipping %s: %v", userID, stripeID, err)
			if remoteErr == nil {
				remoteErr = err
			}
			continue
		}

		updated, err := s.Reconcile(ctx, rec, remote)
		if err != nil {
			return nil, err
		}
		if billableRemote[remote.Status] {
			return &ValidSubscription{Record: updated, Remote: remote}, nil
		}
	}

	if remoteErr != nil {
		return nil, remoteError(remoteErr)
	}
	return nil, ErrNoValidSubscription
}

// cleanupOrphan cancels a record whose remote subscription is gone.
func (s *Service) cleanupOrphan(ctx context.Context, rec *models.Subscription) {
	if rec.Status == models.StatusCancelled || rec.Status == models.StatusReplaced {
		return
	}
	if err := s.store.CancelSubscription(ctx, rec.ID, s.now(), false); err != nil {
		log.Printf("[billing] orphan cleanup subscription=%d: %v", rec.ID, err)
		return
	}
	log.Printf("[billing] orphan cleanup: subscription=%d stripe=%s marked cancelled", rec.ID, rec.StripeID())
}
