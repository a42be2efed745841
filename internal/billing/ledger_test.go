package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

func strPtr(s string) *string { return &s }

func TestDollarsToCents(t *testing.T) {
	cases := map[string]int64{
		"0":      0,
		"49.99":  4999,
		"199":    19900,
		"19.005": 1901,
		"0.1":    10,
	}
	for in, want := range cases {
		assert.Equal(t, want, DollarsToCents(decimal.RequireFromString(in)), in)
	}
}

func seedLedger(t *testing.T) (*memStore, *fakeGateway, *Service) {
	t.Helper()
	st := newMemStore()
	gw := newFakeGateway()
	svc := newTestService(t, st, gw)
	st.addSub("u1", "sub_1", models.PlanGrowth, models.StatusActive, t0)

	gw.invoices = []models.RemoteInvoice{
		{ID: "in_1", Number: "F-0001", Created: t0.Add(-72 * time.Hour), AmountPaid: 29900, AmountDue: 29900, Currency: "USD", Status: "paid", HostedInvoiceURL: "https://pay.example/in_1"},
		{ID: "in_2", Created: t0.Add(-time.Hour), AmountPaid: 0, AmountDue: 29900, Currency: "usd", Status: "open"},
	}
	st.jobs["u1"] = []models.JobPurchase{
		{ID: 7, UserID: "u1", PackageName: "Single post", Amount: decimal.RequireFromString("49.99"), Status: "completed", CreatedAt: t0.Add(-24 * time.Hour)},
	}
	st.features["u1"] = []models.FeaturePurchase{
		{ID: 3, UserID: "u1", JobID: 11, JobTitle: strPtr("Electrician"), FeatureType: "featured", Amount: decimal.RequireFromString("19.5"), Status: "completed", CreatedAt: t0.Add(-48 * time.Hour)},
	}
	return st, gw, svc
}

func TestBillingHistoryMergesSourcesNewestFirst(t *testing.T) {
	_, _, svc := seedLedger(t)

	res, err := svc.BillingHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Degraded())

	var ids []string
	for _, e := range res.Entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"inv:in_2", "job:7", "feature:3", "inv:in_1"}, ids)

	byID := map[string]models.LedgerEntry{}
	for _, e := range res.Entries {
		byID[e.ID] = e
	}
	assert.Equal(t, int64(29900), byID["inv:in_1"].AmountCents)
	assert.Equal(t, "usd", byID["inv:in_1"].Currency)
	assert.Equal(t, "Subscription invoice F-0001", byID["inv:in_1"].Description)
	require.NotNil(t, byID["inv:in_1"].ReceiptURL)
	assert.Equal(t, int64(29900), byID["inv:in_2"].AmountCents, "open invoices report the amount due")
	assert.Equal(t, int64(4999), byID["job:7"].AmountCents)
	assert.Equal(t, int64(1950), byID["feature:3"].AmountCents)
	assert.Equal(t, "Job feature: featured (Electrician)", byID["feature:3"].Description)
}

func TestBillingHistoryToleratesFailedSource(t *testing.T) {
	st, gw, svc := seedLedger(t)
	gw.invoicesErr = errors.New("stripe unavailable")
	st.featuresErr = errors.New("relation does not exist")

	res, err := svc.BillingHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Degraded())

	require.Len(t, res.Entries, 1)
	assert.Equal(t, "job:7", res.Entries[0].ID)

	sources := map[string]string{}
	for _, f := range res.Failures {
		sources[f.Source] = f.Error
	}
	assert.Equal(t, "stripe unavailable", sources["subscription_invoice"])
	assert.Equal(t, "relation does not exist", sources["feature_purchase"])
}

func TestBillingHistoryAttachesReceipts(t *testing.T) {
	st, gw, svc := seedLedger(t)
	st.jobs["u1"][0].StripeSessionID = strPtr("cs_job")
	st.features["u1"][0].StripeSessionID = strPtr("cs_missing")
	gw.sessions["cs_job"] = &models.RemoteCheckoutSession{ID: "cs_job", InvoiceID: "in_job"}
	gw.invoiceByID["in_job"] = &models.RemoteInvoice{ID: "in_job", HostedInvoiceURL: "https://pay.example/in_job"}

	res, err := svc.BillingHistory(context.Background(), "u1")
	require.NoError(t, err)

	for _, e := range res.Entries {
		switch e.ID {
		case "job:7":
			require.NotNil(t, e.ReceiptURL)
			assert.Equal(t, "https://pay.example/in_job", *e.ReceiptURL)
		case "feature:3":
			assert.Nil(t, e.ReceiptURL)
		}
	}
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "receipt_lookup", res.Failures[0].Source)
	assert.Len(t, res.Entries, 4)
}

func TestBillingHistoryWithoutCustomerSkipsInvoices(t *testing.T) {
	st := newMemStore()
	gw := newFakeGateway()
	svc := newTestService(t, st, gw)
	st.jobs["u2"] = []models.JobPurchase{
		{ID: 1, UserID: "u2", PackageName: "Single post", Amount: decimal.NewFromInt(25), Status: "pending", CreatedAt: t0},
	}

	res, err := svc.BillingHistory(context.Background(), "u2")
	require.NoError(t, err)
	assert.Zero(t, gw.listCalls)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, int64(2500), res.Entries[0].AmountCents)
}

func TestBillingHistoryCustomerLookupFailureSkipsInvoices(t *testing.T) {
	st := newMemStore()
	gw := newFakeGateway()
	svc := newTestService(t, st, gw)
	st.profileErr = errors.New("connection refused")
	st.jobs["u2"] = []models.JobPurchase{
		{ID: 1, UserID: "u2", PackageName: "Single post", Amount: decimal.NewFromInt(25), Status: "paid", CreatedAt: t0},
	}

	res, err := svc.BillingHistory(context.Background(), "u2")
	require.NoError(t, err)
	assert.Zero(t, gw.listCalls)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "job:1", res.Entries[0].ID)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "subscription_invoice", res.Failures[0].Source)
	assert.Contains(t, res.Failures[0].Error, "connection refused")
}

func TestBillingHistoryEmpty(t *testing.T) {
	svc := newTestService(t, newMemStore(), newFakeGateway())

	res, err := svc.BillingHistory(context.Background(), "u3")
	require.NoError(t, err)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
}
