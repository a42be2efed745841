package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

const changeColumns = `id, user_id, subscription_id, from_tier, target_tier, target_price_id,
	effective_date, status, created_at, updated_at`

const pendingChangeIndex = "scheduled_plan_changes_one_pending"

func scanChange(row rowScanner) (*models.ScheduledChange, error) {
	var c models.ScheduledChange
	if err := row.Scan(
		&c.ID, &c.UserID, &c.SubscriptionID, &c.FromTier, &c.TargetTier, &c.TargetPriceID,
		&c.EffectiveDate, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetPendingChange returns the user's outstanding scheduled change.
func (s *Store) GetPendingChange(ctx context.Context, userID string) (*models.ScheduledChange, error) {
	query := `SELECT ` + changeColumns + `
FROM scheduled_plan_changes
WHERE user_id = $1 AND status = 'scheduled'`

	c, err := scanChange(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get pending change: %w", err)
	}
	return c, nil
}

// CreateScheduledChange persists a new change in 'scheduled' status. A second
// pending change for the same user returns ErrChangeAlreadyScheduled.
func (s *Store) CreateScheduledChange(ctx context.Context, c *models.ScheduledChange) error {
	query := `
INSERT INTO scheduled_plan_changes (user_id, subscription_id, from_tier, target_tier, target_price_id, effective_date, status)
VALUES ($1, $2, $3, $4, $5, $6, 'scheduled')
RETURNING id, status, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		c.UserID, c.SubscriptionID, c.FromTier, c.TargetTier, c.TargetPriceID, c.EffectiveDate,
	).Scan(&c.ID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, pendingChangeIndex) {
			return ErrChangeAlreadyScheduled
		}
		return fmt.Errorf("store: create scheduled change: %w", err)
	}
	return nil
}

// ListDueChanges returns scheduled changes whose effective date is at or before
// now, oldest first.
func (s *Store) ListDueChanges(ctx context.Context, now time.Time, limit int) ([]models.ScheduledChange, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + changeColumns + `
FROM scheduled_plan_changes
WHERE status = 'scheduled' AND effective_date <= $1
ORDER BY effective_date ASC, id ASC
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due changes: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan change: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate changes: %w", err)
	}
	return out, nil
}

// SetChangeStatus moves a still-scheduled change to a terminal status.
func (s *Store) SetChangeStatus(ctx context.Context, id int64, status models.ChangeStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_plan_changes
SET status = $2, updated_at = NOW()
WHERE id = $1 AND status = 'scheduled'`, id, status)
	if err != nil {
		return fmt.Errorf("store: set change status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
