package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the local vocabulary for a subscription's state.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusUnpaid    SubscriptionStatus = "unpaid"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusReplaced  SubscriptionStatus = "replaced"
)

// Live reports whether the status counts against the one-live-subscription rule.
func (s SubscriptionStatus) Live() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is the local mirror of a Stripe subscription.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               string             `json:"user_id"`
	PlanTier             PlanTier           `json:"plan_tier"`
	Price                int                `json:"price"`
	JobLimit             int                `json:"job_limit"`
	CreditsMonthly       int                `json:"credits_monthly"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripePriceID        string             `json:"stripe_price_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty"`
	RemoteSyncedAt       *time.Time         `json:"remote_synced_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// StripeID returns the Stripe subscription id or "".
func (s *Subscription) StripeID() string {
	if s == nil || s.StripeSubscriptionID == nil {
		return ""
	}
	return *s.StripeSubscriptionID
}

// ApplyTier sets the tier and every value derived from it.
func (s *Subscription) ApplyTier(tier PlanTier) {
	l := LimitsFor(tier)
	s.PlanTier = l.Tier
	s.Price = l.Price
	s.JobLimit = l.JobLimit
	s.CreditsMonthly = l.CreditsMonthly
}

// ChangeStatus is the lifecycle state of a scheduled plan change.
type ChangeStatus string

const (
	ChangeScheduled  ChangeStatus = "scheduled"
	ChangeApplied    ChangeStatus = "applied"
	ChangeSuperseded ChangeStatus = "superseded"
	ChangeCancelled  ChangeStatus = "cancelled"
)

// ScheduledChange is a deferred plan change that takes effect at EffectiveDate.
type ScheduledChange struct {
	ID             int64        `json:"id"`
	UserID         string       `json:"user_id"`
	SubscriptionID int64        `json:"subscription_id"`
	FromTier       PlanTier     `json:"from_tier"`
	TargetTier     PlanTier     `json:"target_tier"`
	TargetPriceID  string       `json:"target_price_id"`
	EffectiveDate  time.Time    `json:"effective_date"`
	Status         ChangeStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// JobPurchase is a one-time job posting purchase. Amount is in dollars.
type JobPurchase struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	PackageName     string          `json:"package_name"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	StripeSessionID *string         `json:"stripe_session_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// FeaturePurchase is an add-on bought for a specific job posting. Amount is in dollars.
type FeaturePurchase struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	JobID           int64           `json:"job_id"`
	JobTitle        *string         `json:"job_title,omitempty"`
	FeatureType     string          `json:"feature_type"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	StripeSessionID *string         `json:"stripe_session_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// LedgerSource names the origin of a ledger entry.
type LedgerSource string

const (
	SourceInvoice         LedgerSource = "subscription_invoice"
	SourceJobPurchase     LedgerSource = "job_purchase"
	SourceFeaturePurchase LedgerSource = "feature_purchase"
)

// LedgerEntry is one display-ready line of billing history. AmountCents is in
// minor units regardless of source.
type LedgerEntry struct {
	ID          string       `json:"id"`
	Source      LedgerSource `json:"source"`
	Date        time.Time    `json:"date"`
	AmountCents int64        `json:"amount"`
	Currency    string       `json:"currency"`
	Status      string       `json:"status"`
	Description string       `json:"description"`
	ReceiptURL  *string      `json:"receipt_url,omitempty"`
}

// WebhookFailure records an event whose handler failed after acknowledgment.
type WebhookFailure struct {
	ID         int64      `json:"id"`
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	Payload    []byte     `json:"-"`
	LastError  string     `json:"last_error"`
	Attempts   int        `json:"attempts"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ErrRemoteNotFound is wrapped by gateway errors when the processor reports the
// requested object does not exist.
var ErrRemoteNotFound = errors.New("remote object not found")

// RemoteItem is one billable item of a remote subscription.
type RemoteItem struct {
	ID      string `json:"id"`
	PriceID string `json:"price_id"`
}

// RemoteSubscription is a processor-agnostic snapshot of a Stripe subscription.
type RemoteSubscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id"`
	Status             string            `json:"status"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	Items              []RemoteItem      `json:"items"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	ObservedAt         time.Time         `json:"observed_at"`
}

// PriceID returns the price of the first item, or "".
func (r *RemoteSubscription) PriceID() string {
	if r == nil || len(r.Items) == 0 {
		return ""
	}
	return r.Items[0].PriceID
}

// RemoteInvoice is a Stripe invoice. Amounts are in minor units.
type RemoteInvoice struct {
	ID               string    `json:"id"`
	Number           string    `json:"number"`
	Created          time.Time `json:"created"`
	AmountPaid       int64     `json:"amount_paid"`
	AmountDue        int64     `json:"amount_due"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	Description      string    `json:"description"`
	HostedInvoiceURL string    `json:"hosted_invoice_url"`
}

// RemoteCheckoutSession carries the fields of a checkout session the core reads.
type RemoteCheckoutSession struct {
	ID             string            `json:"id"`
	Mode           string            `json:"mode"`
	CustomerID     string            `json:"customer_id"`
	SubscriptionID string            `json:"subscription_id"`
	InvoiceID      string            `json:"invoice_id"`
	PaymentStatus  string            `json:"payment_status"`
	ClientRefID    string            `json:"client_reference_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
