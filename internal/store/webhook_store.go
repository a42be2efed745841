package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// RecordWebhookFailure stores a verified event whose handling failed. A repeat
// failure of the same event bumps the attempt count and reopens the row.
func (s *Store) RecordWebhookFailure(ctx context.Context, eventID, eventType string, payload []byte, cause string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_failures (event_id, event_type, payload, last_error)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO UPDATE SET
	last_error = EXCLUDED.last_error,
	attempts = webhook_failures.attempts + 1,
	resolved_at = NULL,
	updated_at = NOW()
RETURNING id`, eventID, eventType, payload, cause).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: record webhook failure: %w", err)
	}
	return id, nil
}

// GetWebhookFailure loads a stored failure by id.
func (s *Store) GetWebhookFailure(ctx context.Context, id int64) (*models.WebhookFailure, error) {
	var f models.WebhookFailure
	err := s.db.QueryRowContext(ctx, `
SELECT id, event_id, event_type, payload, last_error, attempts, resolved_at, created_at
FROM webhook_failures
WHERE id = $1`, id).Scan(
		&f.ID, &f.EventID, &f.EventType, &f.Payload, &f.LastError, &f.Attempts, &f.ResolvedAt, &f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get webhook failure: %w", err)
	}
	return &f, nil
}

// NoteWebhookReplayError records a failed replay attempt.
func (s *Store) NoteWebhookReplayError(ctx context.Context, id int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE webhook_failures
SET last_error = $2, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1`, id, cause)
	if err != nil {
		return fmt.Errorf("store: note webhook replay error: %w", err)
	}
	return nil
}

// ResolveWebhookFailure marks a stored failure as handled.
func (s *Store) ResolveWebhookFailure(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE webhook_failures
SET resolved_at = NOW(), updated_at = NOW()
WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("store: resolve webhook failure: %w", err)
	}
	return nil
}
