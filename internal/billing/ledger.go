package billing

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

const (
	invoiceLimit      = 100
	receiptLookupFans = 4
	localCurrency     = "usd"
	sourceReceipts    = "receipt_lookup"
)

var hundred = decimal.NewFromInt(100)

// DollarsToCents converts a dollar amount to minor units, rounding half away
// from zero.
func DollarsToCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// LedgerFailure records a source that could not be read.
type LedgerFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// LedgerResult is the merged billing history. Failures lists sources that were
// skipped; the entries from every other source are still present.
type LedgerResult struct {
	Entries  []models.LedgerEntry `json:"entries"`
	Failures []LedgerFailure      `json:"failures,omitempty"`
}

// Degraded reports whether any source was skipped.
func (r *LedgerResult) Degraded() bool {
	return len(r.Failures) > 0
}

type ledgerCollector struct {
	mu       sync.Mutex
	failures []LedgerFailure
}

func (c *ledgerCollector) fail(source string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, LedgerFailure{Source: source, Error: err.Error()})
}

// BillingHistory merges Stripe invoices, job purchases and feature purchases
// into one list sorted newest first. Source failures never fail the call.
func (s *Service) BillingHistory(ctx context.Context, userID string) (*LedgerResult, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}

	var col ledgerCollector
	customerID, err := s.resolveCustomerID(ctx, userID)
	if err != nil {
		col.fail(string(models.SourceInvoice), err)
	}

	var (
		invoices []models.LedgerEntry
		jobs     []models.JobPurchase
		features []models.FeaturePurchase
		g        errgroup.Group
	)

	if customerID != "" {
		g.Go(func() error {
			list, err := s.gateway.ListInvoices(ctx, customerID, invoiceLimit)
			if err != nil {
				col.fail(string(models.SourceInvoice), err)
				return nil
			}
			for _, inv := range list {
				invoices = append(invoices, invoiceEntry(inv))
			}
			return nil
		})
	}
	g.Go(func() error {
		list, err := s.store.ListJobPurchases(ctx, userID)
		if err != nil {
			col.fail(string(models.SourceJobPurchase), err)
			return nil
		}
		jobs = list
		return nil
	})
	g.Go(func() error {
		list, err := s.store.ListFeaturePurchases(ctx, userID)
		if err != nil {
			col.fail(string(models.SourceFeaturePurchase), err)
			return nil
		}
		features = list
		return nil
	})
	_ = g.Wait()

	purchases := make([]models.LedgerEntry, 0, len(jobs)+len(features))
	sessions := make([]*string, 0, len(jobs)+len(features))
	for _, p := range jobs {
		purchases = append(purchases, jobEntry(p))
		sessions = append(sessions, p.StripeSessionID)
	}
	for _, p := range features {
		purchases = append(purchases, featureEntry(p))
		sessions = append(sessions, p.StripeSessionID)
	}
	s.attachReceipts(ctx, purchases, sessions, &col)

	entries := append(invoices, purchases...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Date.Equal(entries[j].Date) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Date.After(entries[j].Date)
	})

	result := &LedgerResult{Entries: entries, Failures: col.failures}
	for _, f := range result.Failures {
		s.metrics.LedgerDegraded(f.Source)
		log.Printf("[billing] ledger user=%s: source %s degraded: %s", userID, f.Source, f.Error)
	}
	if result.Entries == nil {
		result.Entries = []models.LedgerEntry{}
	}
	return result, nil
}

// attachReceipts resolves receipt URLs through each purchase's checkout
// session and invoice. Lookups are best effort and bounded in parallelism.
func (s *Service) attachReceipts(ctx context.Context, entries []models.LedgerEntry, sessions []*string, col *ledgerCollector) {
	var g errgroup.Group
	g.SetLimit(receiptLookupFans)

	for i := range entries {
		if sessions[i] == nil || *sessions[i] == "" {
			continue
		}
		entry := &entries[i]
		sessionID := *sessions[i]
		g.Go(func() error {
			url, err := s.receiptURL(ctx, sessionID)
			if err != nil {
				col.fail(sourceReceipts, fmt.Errorf("session %s: %w", sessionID, err))
				return nil
			}
			if url != "" {
				entry.ReceiptURL = &url
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) receiptURL(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.InvoiceID == "" {
		return "", nil
	}
	inv, err := s.gateway.GetInvoice(ctx, sess.InvoiceID)
	if err != nil {
		return "", err
	}
	return inv.HostedInvoiceURL, nil
}

func invoiceEntry(inv models.RemoteInvoice) models.LedgerEntry {
	amount := inv.AmountPaid
	if inv.Status != "paid" {
		amount = inv.AmountDue
	}
	desc := inv.Description
	if desc == "" {
		desc = "Subscription invoice"
		if inv.Number != "" {
			desc += " " + inv.Number
		}
	}
	currency := strings.ToLower(inv.Currency)
	if currency == "" {
		currency = localCurrency
	}
	e := models.LedgerEntry{
		ID:          "inv:" + inv.ID,
		Source:      models.SourceInvoice,
		Date:        inv.Created,
		AmountCents: amount,
		Currency:    currency,
		Status:      inv.Status,
		Description: desc,
	}
	if inv.HostedInvoiceURL != "" {
		url := inv.HostedInvoiceURL
		e.ReceiptURL = &url
	}
	return e
}

func jobEntry(p models.JobPurchase) models.LedgerEntry {
	return models.LedgerEntry{
		ID:          fmt.Sprintf("job:%d", p.ID),
		Source:      models.SourceJobPurchase,
		Date:        p.CreatedAt,
		AmountCents: DollarsToCents(p.Amount),
		Currency:    localCurrency,
		Status:      p.Status,
		Description: "Job posting package: " + p.PackageName,
	}
}

func featureEntry(p models.FeaturePurchase) models.LedgerEntry {
	desc := "Job feature: " + p.FeatureType
	if p.JobTitle != nil && *p.JobTitle != "" {
		desc += " (" + *p.JobTitle + ")"
	}
	return models.LedgerEntry{
		ID:          fmt.Sprintf("feature:%d", p.ID),
		Source:      models.SourceFeaturePurchase,
		Date:        p.CreatedAt,
		AmountCents: DollarsToCents(p.Amount),
		Currency:    localCurrency,
		Status:      p.Status,
		Description: desc,
	}
}
