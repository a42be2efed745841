package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func TestListJobPurchasesScansDecimalAmounts(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM job_purchases")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "package_name", "amount", "status", "stripe_session_id", "created_at"}).
			AddRow(int64(1), "user-1", "Single Post", "49.99", "completed", "cs_1", now).
			AddRow(int64(2), "user-1", "Bundle", "120.00", "pending", nil, now))

	purchases, err := s.ListJobPurchases(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListJobPurchases returned error: %v", err)
	}
	if len(purchases) != 2 {
		t.Fatalf("expected 2 purchases, got %d", len(purchases))
	}
	if !purchases[0].Amount.Equal(decimal.RequireFromString("49.99")) {
		t.Fatalf("unexpected amount %s", purchases[0].Amount)
	}
	if purchases[1].StripeSessionID != nil {
		t.Fatal("expected nil session id")
	}
}

func TestListFeaturePurchasesIncludesJobTitle(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN job_postings jp")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "job_id", "title", "feature_type", "amount", "status", "stripe_session_id", "created_at"}).
			AddRow(int64(5), "user-1", int64(9), "Electrician", "featured", "19.00", "completed", "cs_9", now))

	purchases, err := s.ListFeaturePurchases(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListFeaturePurchases returned error: %v", err)
	}
	if purchases[0].JobTitle == nil || *purchases[0].JobTitle != "Electrician" {
		t.Fatalf("unexpected job title: %v", purchases[0].JobTitle)
	}
}

func TestCompletePurchaseUpdatesBothTables(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_purchases")).
		WithArgs("cs_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE feature_purchases")).
		WithArgs("cs_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.CompletePurchase(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("CompletePurchase returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestGetProfileCustomerIDMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles")).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetProfileCustomerID(context.Background(), "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetProfileCustomerIDEmptyIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"stripe_customer_id"}).AddRow(nil))

	if _, err := s.GetProfileCustomerID(context.Background(), "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
