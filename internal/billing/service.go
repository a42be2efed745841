// Package billing keeps local subscription records consistent with Stripe and
// implements the plan management rules.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/metrics"
	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

// Gateway is the subset of the payment processor the core needs.
type Gateway interface {
	GetSubscription(ctx context.Context, id string) (*models.RemoteSubscription, error)
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (*models.RemoteSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancelAtPeriodEnd bool) (*models.RemoteSubscription, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]models.RemoteInvoice, error)
	GetInvoice(ctx context.Context, id string) (*models.RemoteInvoice, error)
	GetCheckoutSession(ctx context.Context, id string) (*models.RemoteCheckoutSession, error)
}

// Store is the persistence the core reads and writes.
type Store interface {
	ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, in store.SubscriptionInput) (*models.Subscription, error)
	SaveSyncState(ctx context.Context, id int64, st store.SyncState) error
	TouchSynced(ctx context.Context, id int64, syncedAt time.Time) error
	CancelSubscription(ctx context.Context, id int64, at time.Time, atPeriodEnd bool) error
	ReactivateSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	CommitPlanChange(ctx context.Context, pc store.PlanChange) (*models.Subscription, error)

	GetPendingChange(ctx context.Context, userID string) (*models.ScheduledChange, error)
	CreateScheduledChange(ctx context.Context, c *models.ScheduledChange) error
	ListDueChanges(ctx context.Context, now time.Time, limit int) ([]models.ScheduledChange, error)
	SetChangeStatus(ctx context.Context, id int64, status models.ChangeStatus) error

	CountActiveJobs(ctx context.Context, userID string) (int, error)

	ListJobPurchases(ctx context.Context, userID string) ([]models.JobPurchase, error)
	ListFeaturePurchases(ctx context.Context, userID string) ([]models.FeaturePurchase, error)
	CompletePurchase(ctx context.Context, sessionID string) (int64, error)
	GetProfileCustomerID(ctx context.Context, userID string) (string, error)
	SetProfileCustomerID(ctx context.Context, userID, customerID string) error
}

// Options configures a Service.
type Options struct {
	Catalog         Catalog
	Metrics         *metrics.Metrics
	PortalReturnURL string
	// Now overrides the clock. Tests pin it.
	Now func() time.Time
}

// Service implements subscription validation, reconciliation, plan
// transitions and the billing ledger.
type Service struct {
	store           Store
	gateway         Gateway
	catalog         Catalog
	metrics         *metrics.Metrics
	portalReturnURL string
	now             func() time.Time
}

// NewService wires a Service.
func NewService(st Store, gw Gateway, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("billing: store is required")
	}
	if gw == nil {
		return nil, errors.New("billing: gateway is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:           st,
		gateway:         gw,
		catalog:         opts.Catalog,
		metrics:         opts.Metrics,
		portalReturnURL: opts.PortalReturnURL,
		now:             now,
	}, nil
}

// PlanView is the user's effective plan.
type PlanView struct {
	Tier          models.PlanTier         `json:"plan_tier"`
	Limits        models.PlanLimits       `json:"limits"`
	Subscription  *models.Subscription    `json:"subscription,omitempty"`
	PendingChange *models.ScheduledChange `json:"pending_change,omitempty"`
}

// CurrentPlan returns the validated subscription, or free tier defaults when
// the user has none.
func (s *Service) CurrentPlan(ctx context.Context, userID string) (*PlanView, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}
	valid, err := s.ValidSubscription(ctx, userID)
	if errors.Is(err, ErrNoValidSubscription) {
		return &PlanView{Tier: models.PlanFree, Limits: models.LimitsFor(models.PlanFree)}, nil
	}
	if err != nil {
		return nil, err
	}

	view := &PlanView{
		Tier:         valid.Record.PlanTier,
		Limits:       models.LimitsFor(valid.Record.PlanTier),
		Subscription: valid.Record,
	}
	if pending, err := s.store.GetPendingChange(ctx, userID); err == nil {
		view.PendingChange = pending
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, internalError("load pending change", err)
	}
	return view, nil
}

func remoteLive(status string) bool {
	return status == "active" || status == "trialing"
}
