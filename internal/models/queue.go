package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueStatus is the state of a background task in queue_jobs.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// QueuePriority orders claimable tasks. Higher priorities are claimed first.
type QueuePriority string

const (
	PriorityLow    QueuePriority = "low"
	PriorityNormal QueuePriority = "normal"
	PriorityHigh   QueuePriority = "high"
)

// Task kinds handled by the billing worker.
const (
	TaskApplyScheduledChanges = "apply_scheduled_changes"
	TaskWebhookReplay         = "webhook_replay"
)

// QueueJob is one background task. The worker decodes Payload per Kind.
type QueueJob struct {
	ID           int64         `json:"id"`
	Kind         string        `json:"kind"`
	Payload      Payload       `json:"payload"`
	Status       QueueStatus   `json:"status"`
	Priority     QueuePriority `json:"priority"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	DedupeKey    *string       `json:"dedupe_key,omitempty"`
	ScheduledFor *time.Time    `json:"scheduled_for,omitempty"`
	RetryAfter   *time.Time    `json:"retry_after,omitempty"`
	LastError    *string       `json:"last_error,omitempty"`
	WorkerID     *string       `json:"worker_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Payload maps onto a JSONB column.
type Payload map[string]any

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
	out := Payload{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// String returns the string value stored under key, or "".
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int64 returns the numeric value stored under key. JSON numbers decode as
// float64, so both forms are accepted.
func (p Payload) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// QueueStats counts tasks per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Validate fills defaults and rejects tasks that cannot be queued.
func (j *QueueJob) Validate() error {
	if j.Kind == "" {
		return errors.New("task kind is required")
	}
	if j.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if j.Priority == "" {
		j.Priority = PriorityNormal
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *QueueJob) CanRetry() bool {
	return j.Status != QueueCancelled && j.Attempts < j.MaxAttempts
}
