package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

// PlanRequest names a target plan.
type PlanRequest struct {
	UserID  string
	Tier    models.PlanTier
	PriceID string
}

func (s *Service) resolvePlanRequest(req PlanRequest, priceRequired bool) (PlanRequest, error) {
	if req.UserID == "" {
		return req, validationError("user id is required")
	}
	if !req.Tier.Valid() {
		return req, validationError("plan tier %q is not recognised", req.Tier)
	}
	if req.PriceID == "" && !priceRequired {
		req.PriceID, _ = s.catalog.PriceFor(req.Tier)
	}
	if req.PriceID == "" {
		return req, validationError("price id is required")
	}
	if tier, ok := s.catalog.TierForPrice(req.PriceID); ok && tier != req.Tier {
		return req, validationError("price %s belongs to the %s plan, not %s", req.PriceID, tier, req.Tier)
	}
	return req, nil
}

// UpgradeImmediate swaps the user's live subscription to the requested plan
// with prorations. The remote subscription is updated first; the local record
// changes only after Stripe accepted the change. A pending cancellation is
// withdrawn first.
func (s *Service) UpgradeImmediate(ctx context.Context, req PlanRequest) (*models.Subscription, error) {
	req, err := s.resolvePlanRequest(req, true)
	if err != nil {
		return nil, err
	}

	valid, err := s.ValidSubscription(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !remoteLive(valid.Remote.Status) {
		return nil, preconditionError("subscription is %s; settle the outstanding balance before changing plans", valid.Remote.Status)
	}

	uncancelled := false
	if valid.Remote.CancelAtPeriodEnd {
		remote, err := s.gateway.SetCancelAtPeriodEnd(ctx, valid.Remote.ID, false)
		if err != nil {
			return nil, remoteError(err)
		}
		log.Printf("[billing] upgrade user=%s: withdrew pending cancellation of %s", req.UserID, remote.ID)
		valid.Remote = remote
		uncancelled = true
	}

	sub, err := s.swapPlan(ctx, valid, req.Tier, req.PriceID, 0)
	if err != nil && uncancelled && KindOf(err) != KindInternal {
		// The price never changed remotely, so put the cancellation back.
		if _, rerr := s.gateway.SetCancelAtPeriodEnd(ctx, valid.Remote.ID, true); rerr != nil {
			log.Printf("[billing] upgrade user=%s: restore cancellation of %s: %v", req.UserID, valid.Remote.ID, rerr)
		}
	}
	return sub, err
}

// swapPlan performs the remote price swap and commits the tier locally.
func (s *Service) swapPlan(ctx context.Context, valid *ValidSubscription, tier models.PlanTier, priceID string, appliedChangeID int64) (*models.Subscription, error) {
	if len(valid.Remote.Items) == 0 {
		return nil, preconditionError("subscription %s has no billable items", valid.Remote.ID)
	}

	if _, err := s.gateway.UpdateSubscriptionPrice(ctx, valid.Remote.ID, valid.Remote.Items[0].ID, priceID); err != nil {
		return nil, remoteError(err)
	}

	sub, err := s.store.CommitPlanChange(ctx, store.PlanChange{
		SubscriptionID:  valid.Record.ID,
		Tier:            tier,
		PriceID:         priceID,
		AppliedChangeID: appliedChangeID,
	})
	if err != nil {
		log.Printf("[billing] plan change for subscription=%d accepted by stripe but not stored: %v", valid.Record.ID, err)
		return nil, internalError("store plan change", err)
	}

	log.Printf("[billing] plan change user=%s subscription=%d: %s -> %s", sub.UserID, sub.ID, valid.Record.PlanTier, tier)
	return sub, nil
}

// DowngradeEndOfCycle schedules a move to a lower tier at the end of the
// current billing period. Nothing changes remotely until the change is applied.
func (s *Service) DowngradeEndOfCycle(ctx context.Context, req PlanRequest) (*models.ScheduledChange, error) {
	req, err := s.resolvePlanRequest(req, false)
	if err != nil {
		return nil, err
	}

	valid, err := s.ValidSubscription(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !remoteLive(valid.Remote.Status) {
		return nil, preconditionError("subscription is %s; only active subscriptions can be downgraded", valid.Remote.Status)
	}
	if valid.Remote.CancelAtPeriodEnd {
		return nil, preconditionError("subscription is set to cancel; reactivate it before changing plans")
	}

	pending, err := s.store.GetPendingChange(ctx, req.UserID)
	switch {
	case err == nil:
		return nil, &ScheduledChangeError{Pending: pending}
	case !errors.Is(err, store.ErrNotFound):
		return nil, internalError("load pending change", err)
	}

	current := valid.Record.PlanTier
	if !req.Tier.Below(current) {
		return nil, preconditionError("%s is not below the current %s plan", req.Tier, current)
	}

	if err := s.checkCapacity(ctx, req.UserID, req.Tier); err != nil {
		return nil, err
	}

	effective := valid.Remote.CurrentPeriodEnd
	if effective.IsZero() && valid.Record.CurrentPeriodEnd != nil {
		effective = *valid.Record.CurrentPeriodEnd
	}
	if effective.IsZero() {
		return nil, preconditionError("current billing period end is unknown")
	}

	change := &models.ScheduledChange{
		UserID:         req.UserID,
		SubscriptionID: valid.Record.ID,
		FromTier:       current,
		TargetTier:     req.Tier,
		TargetPriceID:  req.PriceID,
		EffectiveDate:  effective.UTC(),
	}
	if err := s.store.CreateScheduledChange(ctx, change); err != nil {
		if errors.Is(err, store.ErrChangeAlreadyScheduled) {
			pending, _ := s.store.GetPendingChange(ctx, req.UserID)
			return nil, &ScheduledChangeError{Pending: pending}
		}
		return nil, internalError("store scheduled change", err)
	}

	log.Printf("[billing] downgrade scheduled user=%s: %s -> %s on %s",
		req.UserID, current, req.Tier, change.EffectiveDate.Format(time.RFC3339))
	return change, nil
}

func (s *Service) checkCapacity(ctx context.Context, userID string, tier models.PlanTier) error {
	active, err := s.store.CountActiveJobs(ctx, userID)
	if err != nil {
		return internalError("count active jobs", err)
	}
	limits := models.LimitsFor(tier)
	if limits.AllowsJobs(active) {
		return nil
	}
	return &CapacityError{Active: active, Limit: limits.JobLimit, Excess: active - limits.JobLimit}
}

// Cancel stops renewal at the end of the current period. Access and capacity
// are kept until then.
func (s *Service) Cancel(ctx context.Context, userID string) (*models.Subscription, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}
	valid, err := s.ValidSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	remote := valid.Remote
	if !remote.CancelAtPeriodEnd {
		remote, err = s.gateway.SetCancelAtPeriodEnd(ctx, valid.Remote.ID, true)
		if err != nil {
			return nil, remoteError(err)
		}
	}

	at := s.now().UTC()
	if remote.CanceledAt != nil {
		at = *remote.CanceledAt
	}
	if err := s.store.CancelSubscription(ctx, valid.Record.ID, at, true); err != nil {
		return nil, internalError("store cancellation", err)
	}

	out := *valid.Record
	out.Status = models.StatusCancelled
	out.CancelAtPeriodEnd = true
	if out.CancelledAt == nil {
		out.CancelledAt = &at
	}
	log.Printf("[billing] cancel user=%s subscription=%d at period end", userID, out.ID)
	return &out, nil
}

// Reactivate withdraws a pending cancellation while the subscription is still
// live remotely.
func (s *Service) Reactivate(ctx context.Context, userID string) (*models.Subscription, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}
	valid, err := s.ValidSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !remoteLive(valid.Remote.Status) || !valid.Remote.CancelAtPeriodEnd {
		return nil, preconditionError("subscription has no pending cancellation to withdraw")
	}

	if _, err := s.gateway.SetCancelAtPeriodEnd(ctx, valid.Remote.ID, false); err != nil {
		return nil, remoteError(err)
	}

	sub, err := s.store.ReactivateSubscription(ctx, valid.Record.ID)
	if err != nil {
		return nil, internalError("store reactivation", err)
	}
	log.Printf("[billing] reactivate user=%s subscription=%d", userID, sub.ID)
	return sub, nil
}

// BillingPortal returns a Stripe customer portal URL for the user.
func (s *Service) BillingPortal(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", validationError("user id is required")
	}
	customerID, err := s.resolveCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", &Error{
			Kind:    KindNotFound,
			Msg:     "no billing account on file",
			Details: map[string]any{"required_action": "checkout"},
		}
	}
	url, err := s.gateway.CreatePortalSession(ctx, customerID, s.portalReturnURL)
	if err != nil {
		return "", remoteError(err)
	}
	return url, nil
}

// resolveCustomerID returns the user's Stripe customer id from their newest
// subscription record, falling back to the profile. It returns "" when the
// user has none.
func (s *Service) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	records, err := s.store.ListSubscriptionsByUser(ctx, userID)
	if err != nil {
		return "", internalError("list subscriptions", err)
	}
	for _, rec := range records {
		if rec.StripeCustomerID != "" {
			return rec.StripeCustomerID, nil
		}
	}
	customerID, err := s.store.GetProfileCustomerID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", internalError("load profile", err)
	}
	return customerID, nil
}

// ApplyScheduledChange carries out a due downgrade. The change is cancelled
// when its subscription is gone, no longer live, cancelling, or the target
// tier can no longer hold the user's active jobs. Remote failures are
// returned so the caller can retry.
func (s *Service) ApplyScheduledChange(ctx context.Context, change models.ScheduledChange) error {
	if change.Status != models.ChangeScheduled {
		return nil
	}
	if change.EffectiveDate.After(s.now()) {
		return nil
	}

	rec, err := s.store.GetSubscription(ctx, change.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return s.dropChange(ctx, change, "subscription record missing")
	}
	if err != nil {
		return internalError("load subscription", err)
	}
	if rec.StripeID() == "" {
		return s.dropChange(ctx, change, "subscription has no stripe id")
	}

	remote, err := s.gateway.GetSubscription(ctx, rec.StripeID())
	if errors.Is(err, models.ErrRemoteNotFound) {
		s.cleanupOrphan(ctx, rec)
		return s.dropChange(ctx, change, "remote subscription gone")
	}
	if err != nil {
		return remoteError(err)
	}

	rec, err = s.Reconcile(ctx, rec, remote)
	if err != nil {
		return err
	}
	if !remoteLive(remote.Status) || remote.CancelAtPeriodEnd {
		return s.dropChange(ctx, change, fmt.Sprintf("remote status %s, cancel_at_period_end=%t", remote.Status, remote.CancelAtPeriodEnd))
	}

	var capErr *CapacityError
	if err := s.checkCapacity(ctx, change.UserID, change.TargetTier); errors.As(err, &capErr) {
		return s.dropChange(ctx, change, capErr.Error())
	} else if err != nil {
		return err
	}

	_, err = s.swapPlan(ctx, &ValidSubscription{Record: rec, Remote: remote}, change.TargetTier, change.TargetPriceID, change.ID)
	return err
}

func (s *Service) dropChange(ctx context.Context, change models.ScheduledChange, reason string) error {
	log.Printf("[billing] scheduled change=%d user=%s cancelled: %s", change.ID, change.UserID, reason)
	if err := s.store.SetChangeStatus(ctx, change.ID, models.ChangeCancelled); err != nil && !errors.Is(err, store.ErrNotFound) {
		return internalError("cancel scheduled change", err)
	}
	return nil
}

// ApplyDueChanges resolves every scheduled change that has come due and
// returns how many were applied or dropped. It keeps going past individual
// failures and returns them joined.
func (s *Service) ApplyDueChanges(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueChanges(ctx, s.now(), limit)
	if err != nil {
		return 0, internalError("list due changes", err)
	}

	var (
		handled int
		errs    []error
	)
	for _, change := range due {
		if err := s.ApplyScheduledChange(ctx, change); err != nil {
			log.Printf("[billing] apply scheduled change=%d: %v", change.ID, err)
			errs = append(errs, fmt.Errorf("change %d: %w", change.ID, err))
			continue
		}
		handled++
	}
	return handled, errors.Join(errs...)
}
