package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// ListJobPurchases returns the user's one-time job posting purchases, newest first.
func (s *Store) ListJobPurchases(ctx context.Context, userID string) ([]models.JobPurchase, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, package_name, amount, status, stripe_session_id, created_at
FROM job_purchases
WHERE user_id = $1
ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list job purchases: %w", err)
	}
	defer rows.Close()

	var out []models.JobPurchase
	for rows.Next() {
		var (
			p         models.JobPurchase
			sessionID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.PackageName, &p.Amount, &p.Status, &sessionID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job purchase: %w", err)
		}
		p.StripeSessionID = nullStringPtr(sessionID)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate job purchases: %w", err)
	}
	return out, nil
}

// ListFeaturePurchases returns the user's feature add-on purchases with the
// title of the job posting each one belongs to, newest first.
func (s *Store) ListFeaturePurchases(ctx context.Context, userID string) ([]models.FeaturePurchase, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT fp.id, fp.user_id, fp.job_id, jp.title, fp.feature_type, fp.amount, fp.status,
       fp.stripe_session_id, fp.created_at
FROM feature_purchases fp
LEFT JOIN job_postings jp ON jp.id = fp.job_id
WHERE fp.user_id = $1
ORDER BY fp.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list feature purchases: %w", err)
	}
	defer rows.Close()

	var out []models.FeaturePurchase
	for rows.Next() {
		var (
			p         models.FeaturePurchase
			title     sql.NullString
			sessionID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.JobID, &title, &p.FeatureType, &p.Amount, &p.Status, &sessionID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan feature purchase: %w", err)
		}
		p.JobTitle = nullStringPtr(title)
		p.StripeSessionID = nullStringPtr(sessionID)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate feature purchases: %w", err)
	}
	return out, nil
}

// CompletePurchase marks the job or feature purchase paid through the given
// checkout session as completed. It returns the number of rows changed;
// repeated calls for the same session change nothing.
func (s *Store) CompletePurchase(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	err := s.withTx(ctx, "complete purchase", func(tx *sql.Tx) error {
		for _, table := range []string{"job_purchases", "feature_purchases"} {
			res, err := tx.ExecContext(ctx, `UPDATE `+table+`
SET status = 'completed', updated_at = NOW()
WHERE stripe_session_id = $1 AND status <> 'completed'`, sessionID)
			if err != nil {
				return fmt.Errorf("store: complete %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetProfileCustomerID returns the Stripe customer id stored on the user's profile.
func (s *Store) GetProfileCustomerID(ctx context.Context, userID string) (string, error) {
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT stripe_customer_id FROM profiles WHERE user_id = $1`, userID).Scan(&customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: get profile customer id: %w", err)
	}
	if !customerID.Valid || customerID.String == "" {
		return "", ErrNotFound
	}
	return customerID.String, nil
}

// SetProfileCustomerID records the user's Stripe customer id, creating the
// profile row when missing.
func (s *Store) SetProfileCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO profiles (user_id, stripe_customer_id)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET stripe_customer_id = EXCLUDED.stripe_customer_id, updated_at = NOW()`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("store: set profile customer id: %w", err)
	}
	return nil
}
