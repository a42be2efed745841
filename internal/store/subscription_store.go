package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

const subscriptionColumns = `id, user_id, plan_tier, price, job_limit, credits_monthly,
	stripe_subscription_id, stripe_customer_id, stripe_price_id, status,
	current_period_start, current_period_end, cancel_at_period_end, cancelled_at,
	remote_synced_at, created_at, updated_at`

// sweepLiveQuery moves every other live subscription of the owner of $1 to
// 'replaced'. It must run before the row identified by $1 becomes live so the
// partial unique index never sees two live rows.
const sweepLiveQuery = `
UPDATE subscriptions
SET status = 'replaced', updated_at = NOW()
WHERE user_id = (SELECT user_id FROM subscriptions WHERE id = $1)
  AND id <> $1
  AND status IN ('active', 'trialing')`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanTier, &sub.Price, &sub.JobLimit, &sub.CreditsMonthly,
		&sub.StripeSubscriptionID, &sub.StripeCustomerID, &sub.StripePriceID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CancelledAt,
		&sub.RemoteSyncedAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptionsByUser returns every subscription of a user, newest first.
func (s *Store) ListSubscriptionsByUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

// GetSubscriptionByStripeID looks up a subscription by its Stripe id.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = $1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, stripeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// GetSubscription looks up a subscription by primary key.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// SubscriptionInput is the remote-derived state used to create or refresh a
// subscription keyed by its Stripe id. Price, job limit and credits are derived
// from Tier.
type SubscriptionInput struct {
	UserID               string
	Tier                 models.PlanTier
	StripeSubscriptionID string
	StripeCustomerID     string
	StripePriceID        string
	Status               models.SubscriptionStatus
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	CancelledAt          *time.Time
	SyncedAt             time.Time
}

// UpsertSubscription inserts or refreshes the subscription identified by its
// Stripe id. When the result is live, the user's other live subscriptions are
// moved to 'replaced' in the same transaction.
func (s *Store) UpsertSubscription(ctx context.Context, in SubscriptionInput) (*models.Subscription, error) {
	if in.UserID == "" || in.StripeSubscriptionID == "" {
		return nil, errors.New("store: upsert subscription: user id and stripe subscription id are required")
	}
	limits := models.LimitsFor(in.Tier)

	var out *models.Subscription
	err := s.withTx(ctx, "upsert subscription", func(tx *sql.Tx) error {
		if in.Status.Live() {
			if _, err := tx.ExecContext(ctx, `
UPDATE subscriptions
SET status = 'replaced', updated_at = NOW()
WHERE user_id = $1
  AND stripe_subscription_id IS DISTINCT FROM $2
  AND status IN ('active', 'trialing')`, in.UserID, in.StripeSubscriptionID); err != nil {
				return fmt.Errorf("store: sweep live subscriptions: %w", err)
			}
		}

		query := `
INSERT INTO subscriptions (
	user_id, plan_tier, price, job_limit, credits_monthly,
	stripe_subscription_id, stripe_customer_id, stripe_price_id, status,
	current_period_start, current_period_end, cancel_at_period_end, cancelled_at,
	remote_synced_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (stripe_subscription_id) DO UPDATE SET
	plan_tier = EXCLUDED.plan_tier,
	price = EXCLUDED.price,
	job_limit = EXCLUDED.job_limit,
	credits_monthly = EXCLUDED.credits_monthly,
	stripe_customer_id = EXCLUDED.stripe_customer_id,
	stripe_price_id = EXCLUDED.stripe_price_id,
	status = EXCLUDED.status,
	current_period_start = EXCLUDED.current_period_start,
	current_period_end = EXCLUDED.current_period_end,
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	cancelled_at = COALESCE(subscriptions.cancelled_at, EXCLUDED.cancelled_at),
	remote_synced_at = EXCLUDED.remote_synced_at,
	updated_at = NOW()
RETURNING ` + subscriptionColumns

		sub, err := scanSubscription(tx.QueryRowContext(ctx, query,
			in.UserID, limits.Tier, limits.Price, limits.JobLimit, limits.CreditsMonthly,
			in.StripeSubscriptionID, in.StripeCustomerID, in.StripePriceID, in.Status,
			in.CurrentPeriodStart, in.CurrentPeriodEnd, in.CancelAtPeriodEnd, in.CancelledAt,
			in.SyncedAt,
		))
		if err != nil {
			return fmt.Errorf("store: upsert subscription: %w", err)
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncState is the remote-mirrored portion of a subscription written by
// reconciliation.
type SyncState struct {
	Status models.SubscriptionStatus
	// Tier is the plan the remote price maps to. Price, job limit and
	// credits are derived from it.
	Tier               models.PlanTier
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CancelledAt        *time.Time
	SyncedAt           time.Time
}

// SaveSyncState writes reconciled remote state. A live status sweeps the
// user's other live subscriptions first.
func (s *Store) SaveSyncState(ctx context.Context, id int64, st SyncState) error {
	limits := models.LimitsFor(st.Tier)
	return s.withTx(ctx, "save sync state", func(tx *sql.Tx) error {
		if st.Status.Live() {
			if _, err := tx.ExecContext(ctx, sweepLiveQuery, id); err != nil {
				return fmt.Errorf("store: sweep live subscriptions: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
UPDATE subscriptions
SET status = $2,
    current_period_start = $3,
    current_period_end = $4,
    cancel_at_period_end = $5,
    cancelled_at = $6,
    remote_synced_at = $7,
    plan_tier = $8,
    price = $9,
    job_limit = $10,
    credits_monthly = $11,
    stripe_price_id = $12,
    updated_at = NOW()
WHERE id = $1`,
			id, st.Status, st.CurrentPeriodStart, st.CurrentPeriodEnd,
			st.CancelAtPeriodEnd, st.CancelledAt, st.SyncedAt,
			limits.Tier, limits.Price, limits.JobLimit, limits.CreditsMonthly, st.PriceID)
		if err != nil {
			return fmt.Errorf("store: save sync state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TouchSynced records that the subscription was compared against a remote
// snapshot taken at syncedAt without changing anything else.
func (s *Store) TouchSynced(ctx context.Context, id int64, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE subscriptions
SET remote_synced_at = $2
WHERE id = $1 AND (remote_synced_at IS NULL OR remote_synced_at < $2)`, id, syncedAt)
	if err != nil {
		return fmt.Errorf("store: touch synced: %w", err)
	}
	return nil
}

// CancelSubscription marks a subscription cancelled. An existing cancellation
// timestamp is kept. Any scheduled change for the subscription is cancelled
// in the same transaction.
func (s *Store) CancelSubscription(ctx context.Context, id int64, at time.Time, atPeriodEnd bool) error {
	return s.withTx(ctx, "cancel subscription", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE subscriptions
SET status = 'cancelled',
    cancelled_at = COALESCE(cancelled_at, $2),
    cancel_at_period_end = $3,
    updated_at = NOW()
WHERE id = $1`, id, at, atPeriodEnd)
		if err != nil {
			return fmt.Errorf("store: cancel subscription: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE scheduled_plan_changes
SET status = 'cancelled', updated_at = NOW()
WHERE subscription_id = $1 AND status = 'scheduled'`, id); err != nil {
			return fmt.Errorf("store: cancel scheduled changes: %w", err)
		}
		return nil
	})
}

// ReactivateSubscription returns a cancelled subscription to 'active' and
// clears its cancellation mark.
func (s *Store) ReactivateSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.withTx(ctx, "reactivate subscription", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sweepLiveQuery, id); err != nil {
			return fmt.Errorf("store: sweep live subscriptions: %w", err)
		}

		sub, err := scanSubscription(tx.QueryRowContext(ctx, `
UPDATE subscriptions
SET status = 'active',
    cancelled_at = NULL,
    cancel_at_period_end = FALSE,
    updated_at = NOW()
WHERE id = $1
RETURNING `+subscriptionColumns, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: reactivate subscription: %w", err)
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PlanChange describes a committed tier change.
type PlanChange struct {
	SubscriptionID int64
	Tier           models.PlanTier
	PriceID        string
	// AppliedChangeID is the scheduled change being applied, or 0 for an
	// immediate change.
	AppliedChangeID int64
}

// CommitPlanChange writes a new tier onto a subscription after the remote
// change succeeded. In one transaction it derives limits from the tier, sets
// the record active, clears any cancellation mark, sweeps the user's other
// live subscriptions and resolves outstanding scheduled changes: the applied
// one becomes 'applied', every other one 'superseded'.
func (s *Store) CommitPlanChange(ctx context.Context, pc PlanChange) (*models.Subscription, error) {
	limits := models.LimitsFor(pc.Tier)

	var out *models.Subscription
	err := s.withTx(ctx, "commit plan change", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sweepLiveQuery, pc.SubscriptionID); err != nil {
			return fmt.Errorf("store: sweep live subscriptions: %w", err)
		}

		sub, err := scanSubscription(tx.QueryRowContext(ctx, `
UPDATE subscriptions
SET plan_tier = $2,
    price = $3,
    job_limit = $4,
    credits_monthly = $5,
    stripe_price_id = $6,
    status = 'active',
    cancelled_at = NULL,
    cancel_at_period_end = FALSE,
    updated_at = NOW()
WHERE id = $1
RETURNING `+subscriptionColumns,
			pc.SubscriptionID, limits.Tier, limits.Price, limits.JobLimit, limits.CreditsMonthly, pc.PriceID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: commit plan change: %w", err)
		}

		if pc.AppliedChangeID != 0 {
			if _, err := tx.ExecContext(ctx, `
UPDATE scheduled_plan_changes
SET status = 'applied', updated_at = NOW()
WHERE id = $1 AND status = 'scheduled'`, pc.AppliedChangeID); err != nil {
				return fmt.Errorf("store: mark change applied: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE scheduled_plan_changes
SET status = 'superseded', updated_at = NOW()
WHERE user_id = $1 AND status = 'scheduled' AND id <> $2`, sub.UserID, pc.AppliedChangeID); err != nil {
			return fmt.Errorf("store: supersede scheduled changes: %w", err)
		}

		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountActiveJobs returns the number of the user's job postings that count
// against plan capacity.
func (s *Store) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_postings WHERE user_id = $1 AND status = 'active'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active jobs: %w", err)
	}
	return n, nil
}
