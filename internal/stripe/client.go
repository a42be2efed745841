package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

const defaultTimeout = 10 * time.Second

// Config configures the Stripe client.
type Config struct {
	SecretKey string
	// Timeout bounds every remote call.
	Timeout time.Duration
	// BaseURL overrides the API endpoint. Tests point it at an httptest server.
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a thin wrapper over the stripe-go API client. It converts SDK
// objects into the processor-agnostic models and carries no business rules.
type Client struct {
	api     *client.API
	timeout time.Duration
}

// NewClient builds a Client with its own backends, so no package-level key is set.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout + 5*time.Second}
	}

	var backends *stripego.Backends
	if cfg.BaseURL != "" {
		backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
			URL:               stripego.String(cfg.BaseURL),
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripego.Int64(0),
			LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelError},
		})
		backends = &stripego.Backends{API: backend, Connect: backend, Uploads: backend}
	} else {
		backends = stripego.NewBackends(httpClient)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &Client{api: api, timeout: timeout}
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// GetSubscription retrieves a subscription. A missing subscription yields an
// error wrapping models.ErrRemoteNotFound.
func (c *Client) GetSubscription(ctx context.Context, id string) (*models.RemoteSubscription, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, wrapErr("get subscription", err)
	}
	return SubscriptionSnapshot(sub, rawJSON(sub.LastResponse), time.Now()), nil
}

// UpdateSubscriptionPrice swaps the price on one subscription item, creating
// prorations and keeping the billing cycle anchor.
func (c *Client) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (*models.RemoteSubscription, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripego.SubscriptionParams{
		Items: []*stripego.SubscriptionItemsParams{
			{ID: stripego.String(itemID), Price: stripego.String(priceID)},
		},
		ProrationBehavior:           stripego.String("create_prorations"),
		BillingCycleAnchorUnchanged: stripego.Bool(true),
	}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr("update subscription price", err)
	}
	return SubscriptionSnapshot(sub, rawJSON(sub.LastResponse), time.Now()), nil
}

// SetCancelAtPeriodEnd schedules or withdraws cancellation at the end of the
// current period.
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancelAtPeriodEnd bool) (*models.RemoteSubscription, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripego.SubscriptionParams{CancelAtPeriodEnd: stripego.Bool(cancelAtPeriodEnd)}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapErr("set cancel_at_period_end", err)
	}
	return SubscriptionSnapshot(sub, rawJSON(sub.LastResponse), time.Now()), nil
}

// CreatePortalSession opens a customer billing portal session and returns its URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripego.BillingPortalSessionParams{Customer: stripego.String(customerID)}
	if returnURL != "" {
		params.ReturnURL = stripego.String(returnURL)
	}
	params.Context = ctx
	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", wrapErr("create billing portal session", err)
	}
	return sess.URL, nil
}

// ListInvoices returns up to limit of the customer's most recent invoices.
func (c *Client) ListInvoices(ctx context.Context, customerID string, limit int) ([]models.RemoteInvoice, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	params := &stripego.InvoiceListParams{Customer: stripego.String(customerID)}
	params.Context = ctx
	params.Limit = stripego.Int64(int64(limit))
	params.Single = true

	var out []models.RemoteInvoice
	iter := c.api.Invoices.List(params)
	for iter.Next() {
		out = append(out, invoiceSnapshot(iter.Invoice()))
		if len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("list invoices", err)
	}
	return out, nil
}

// GetInvoice retrieves one invoice.
func (c *Client) GetInvoice(ctx context.Context, id string) (*models.RemoteInvoice, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripego.InvoiceParams{}
	params.Context = ctx
	inv, err := c.api.Invoices.Get(id, params)
	if err != nil {
		return nil, wrapErr("get invoice", err)
	}
	snap := invoiceSnapshot(inv)
	return &snap, nil
}

// GetCheckoutSession retrieves a checkout session.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*models.RemoteCheckoutSession, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, wrapErr("get checkout session", err)
	}
	return CheckoutSnapshot(sess), nil
}

// SubscriptionSnapshot converts an SDK subscription. raw is the JSON the
// object was decoded from, used to read the first item's period end when the
// top-level one is absent.
func SubscriptionSnapshot(sub *stripego.Subscription, raw []byte, observedAt time.Time) *models.RemoteSubscription {
	out := &models.RemoteSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		ObservedAt:        observedAt,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			ri := models.RemoteItem{ID: item.ID}
			if item.Price != nil {
				ri.PriceID = item.Price.ID
			}
			out.Items = append(out.Items, ri)
		}
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if end == 0 {
		start, end = firstItemPeriod(raw)
	}
	if start > 0 {
		out.CurrentPeriodStart = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		out.CurrentPeriodEnd = time.Unix(end, 0).UTC()
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	return out
}

// CheckoutSnapshot converts an SDK checkout session.
func CheckoutSnapshot(sess *stripego.CheckoutSession) *models.RemoteCheckoutSession {
	out := &models.RemoteCheckoutSession{
		ID:            sess.ID,
		Mode:          string(sess.Mode),
		PaymentStatus: string(sess.PaymentStatus),
		ClientRefID:   sess.ClientReferenceID,
		Metadata:      sess.Metadata,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	if sess.Invoice != nil {
		out.InvoiceID = sess.Invoice.ID
	}
	return out
}

func invoiceSnapshot(inv *stripego.Invoice) models.RemoteInvoice {
	return models.RemoteInvoice{
		ID:               inv.ID,
		Number:           inv.Number,
		Created:          time.Unix(inv.Created, 0).UTC(),
		AmountPaid:       inv.AmountPaid,
		AmountDue:        inv.AmountDue,
		Currency:         string(inv.Currency),
		Status:           string(inv.Status),
		Description:      inv.Description,
		HostedInvoiceURL: inv.HostedInvoiceURL,
	}
}

// firstItemPeriod reads items.data[0].current_period_{start,end} from raw
// subscription JSON.
func firstItemPeriod(raw []byte) (int64, int64) {
	if len(raw) == 0 {
		return 0, 0
	}
	var payload struct {
		Items struct {
			Data []struct {
				CurrentPeriodStart int64 `json:"current_period_start"`
				CurrentPeriodEnd   int64 `json:"current_period_end"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Items.Data) == 0 {
		return 0, 0
	}
	first := payload.Items.Data[0]
	return first.CurrentPeriodStart, first.CurrentPeriodEnd
}

func rawJSON(resp *stripego.APIResponse) []byte {
	if resp == nil {
		return nil
	}
	return resp.RawJSON
}

// wrapErr keeps the processor message and maps missing resources onto
// models.ErrRemoteNotFound.
func wrapErr(op string, err error) error {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripego.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("stripe: %s: %s: %w", op, stripeErr.Msg, models.ErrRemoteNotFound)
		}
		return fmt.Errorf("stripe: %s: %s: %w", op, stripeErr.Msg, err)
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}
