package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// ErrDuplicateTask is returned by Enqueue when an open task already holds the
// same dedupe key.
var ErrDuplicateTask = errors.New("store: duplicate open task")

const queueColumns = `id, kind, payload, status, priority, attempts, max_attempts, dedupe_key,
	scheduled_for, retry_after, last_error, worker_id, created_at, updated_at, completed_at`

// QueueStore persists background tasks in queue_jobs.
type QueueStore struct {
	db *sql.DB
}

// NewQueueStore creates a QueueStore instance.
func NewQueueStore(db *sql.DB) (*QueueStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &QueueStore{db: db}, nil
}

func scanQueueJob(row rowScanner) (*models.QueueJob, error) {
	var j models.QueueJob
	if err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.DedupeKey,
		&j.ScheduledFor, &j.RetryAfter, &j.LastError, &j.WorkerID, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts a pending task.
func (s *QueueStore) Enqueue(ctx context.Context, job *models.QueueJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("store: invalid task: %w", err)
	}

	query := `
INSERT INTO queue_jobs (kind, payload, status, priority, max_attempts, dedupe_key, scheduled_for)
VALUES ($1, $2, 'pending', $3, $4, $5, $6)
ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'processing') DO NOTHING
RETURNING id, status, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		job.Kind, job.Payload, job.Priority, job.MaxAttempts, job.DedupeKey, job.ScheduledFor,
	).Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("store: enqueue task: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the next runnable task for workerID. It returns
// nil when nothing is runnable.
func (s *QueueStore) ClaimNext(ctx context.Context, workerID string) (*models.QueueJob, error) {
	query := `
UPDATE queue_jobs
SET status = 'processing',
    worker_id = $1,
    attempts = attempts + 1,
    updated_at = NOW()
WHERE id = (
	SELECT id FROM queue_jobs
	WHERE status = 'pending'
	  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
	  AND (retry_after IS NULL OR retry_after <= NOW())
	ORDER BY
		CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END DESC,
		created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + queueColumns

	job, err := scanQueueJob(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: claim task: %w", err)
	}
	return job, nil
}

// MarkCompleted finishes a task.
func (s *QueueStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'completed', completed_at = NOW(), updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark task completed: %w", err)
	}
	return nil
}

// MarkFailed parks a task that exhausted its attempts.
func (s *QueueStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'failed', last_error = $2, updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id, cause)
	if err != nil {
		return fmt.Errorf("store: mark task failed: %w", err)
	}
	return nil
}

// ScheduleRetry returns a task to pending, runnable again after retryAfter.
func (s *QueueStore) ScheduleRetry(ctx context.Context, id int64, cause string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'pending', last_error = $2, retry_after = $3, updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id, cause, retryAfter)
	if err != nil {
		return fmt.Errorf("store: schedule task retry: %w", err)
	}
	return nil
}

// Release hands a processing task back to the queue without counting the
// attempt. Used on shutdown.
func (s *QueueStore) Release(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'pending', attempts = GREATEST(attempts - 1, 0), worker_id = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("store: release task: %w", err)
	}
	return nil
}

// Stats counts tasks per status.
func (s *QueueStore) Stats(ctx context.Context) (*models.QueueStats, error) {
	var st models.QueueStats
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'processing'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'cancelled')
FROM queue_jobs`).Scan(&st.Pending, &st.Processing, &st.Completed, &st.Failed, &st.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("store: task stats: %w", err)
	}
	return &st, nil
}

// Cleanup deletes finished tasks last touched before olderThan ago.
func (s *QueueStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_jobs
WHERE status IN ('completed', 'failed', 'cancelled')
  AND updated_at < NOW() - INTERVAL '1 second' * $1`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
