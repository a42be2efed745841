package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/billing"
	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

const (
	replayMaxAttempts = 5
	replayDelay       = 30 * time.Second
	defaultApplyLimit = 100
)

// WebhookFailures is the storage for webhook events awaiting replay.
type WebhookFailures interface {
	RecordWebhookFailure(ctx context.Context, eventID, eventType string, payload []byte, cause string) (int64, error)
	GetWebhookFailure(ctx context.Context, id int64) (*models.WebhookFailure, error)
	NoteWebhookReplayError(ctx context.Context, id int64, cause string) error
	ResolveWebhookFailure(ctx context.Context, id int64) error
}

// RegisterBillingJobs registers the scheduled change and webhook replay
// handlers.
func RegisterBillingJobs(w *Worker, svc *billing.Service, router *billing.EventRouter, failures WebhookFailures) {
	w.RegisterHandler(models.TaskApplyScheduledChanges, applyScheduledChangesHandler(svc))
	w.RegisterHandler(models.TaskWebhookReplay, webhookReplayHandler(router, failures))

	log.Printf("[worker] Registered billing task handlers: %s, %s",
		models.TaskApplyScheduledChanges, models.TaskWebhookReplay)
}

// applyScheduledChangesHandler applies every due downgrade. Individual failures
// are returned so the task is retried; changes already handled are no longer
// due on the next attempt.
func applyScheduledChangesHandler(svc *billing.Service) Handler {
	return func(ctx context.Context, job *models.QueueJob) error {
		limit := defaultApplyLimit
		if n, ok := job.Payload.Int64("limit"); ok && n > 0 {
			limit = int(n)
		}

		handled, err := svc.ApplyDueChanges(ctx, limit)
		log.Printf("[worker] apply_scheduled_changes: %d handled", handled)
		return err
	}
}

func webhookReplayHandler(router *billing.EventRouter, failures WebhookFailures) Handler {
	return func(ctx context.Context, job *models.QueueJob) error {
		id, ok := job.Payload.Int64("failure_id")
		if !ok {
			return errors.New("missing failure_id in payload")
		}

		failure, err := failures.GetWebhookFailure(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[worker] webhook replay: failure %d no longer exists", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load webhook failure: %w", err)
		}
		if failure.ResolvedAt != nil {
			return nil
		}

		ev, err := router.Parse(failure.Payload)
		if err != nil {
			// A payload that no longer decodes will not decode on retry either.
			log.Printf("[worker] webhook replay: event %s is undecodable: %v", failure.EventID, err)
			if nerr := failures.NoteWebhookReplayError(ctx, id, err.Error()); nerr != nil {
				log.Printf("[worker] webhook replay: note error for %d: %v", id, nerr)
			}
			return nil
		}

		if err := router.Dispatch(ctx, ev); err != nil {
			if nerr := failures.NoteWebhookReplayError(ctx, id, err.Error()); nerr != nil {
				log.Printf("[worker] webhook replay: note error for %d: %v", id, nerr)
			}
			return fmt.Errorf("replay event %s: %w", failure.EventID, err)
		}

		if err := failures.ResolveWebhookFailure(ctx, id); err != nil {
			return fmt.Errorf("resolve webhook failure: %w", err)
		}
		log.Printf("[worker] webhook replay: event %s (%s) resolved", failure.EventID, failure.EventType)
		return nil
	}
}

// Enqueuer accepts new tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.QueueJob) error
}

// ReplayScheduler records failed webhook events and queues their replay.
type ReplayScheduler struct {
	failures WebhookFailures
	queue    Enqueuer
	now      func() time.Time
}

// NewReplayScheduler builds a ReplayScheduler.
func NewReplayScheduler(failures WebhookFailures, queue Enqueuer) *ReplayScheduler {
	return &ReplayScheduler{failures: failures, queue: queue, now: time.Now}
}

// ScheduleReplay stores the event and enqueues one replay task per event.
func (r *ReplayScheduler) ScheduleReplay(ctx context.Context, ev *billing.Event, cause error) error {
	id, err := r.failures.RecordWebhookFailure(ctx, ev.ID, ev.Type, ev.Payload, cause.Error())
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}

	dedupe := models.TaskWebhookReplay + ":" + ev.ID
	runAt := r.now().Add(replayDelay)
	job := &models.QueueJob{
		Kind:         models.TaskWebhookReplay,
		Payload:      models.Payload{"failure_id": id, "event_id": ev.ID},
		Priority:     models.PriorityHigh,
		MaxAttempts:  replayMaxAttempts,
		DedupeKey:    &dedupe,
		ScheduledFor: &runAt,
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue replay: %w", err)
	}
	log.Printf("[worker] webhook replay queued: event %s failure %d task %d", ev.ID, id, job.ID)
	return nil
}
