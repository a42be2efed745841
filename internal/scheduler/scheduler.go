// Package scheduler enqueues periodic billing tasks on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

const (
	enqueueTimeout   = 30 * time.Second
	applyMaxAttempts = 3
)

// Enqueuer accepts new tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.QueueJob) error
}

// Scheduler wraps a cron runner that only enqueues tasks; the worker pool
// does the actual work.
type Scheduler struct {
	cron  *cron.Cron
	queue Enqueuer
	spec  string
}

// New registers the scheduled change sweep on spec, which accepts standard
// five-field cron expressions and descriptors such as "@every 15m".
func New(spec string, queue Enqueuer) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("scheduler: queue is required")
	}
	s := &Scheduler{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		queue: queue,
		spec:  spec,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("scheduler: invalid spec %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := s.EnqueueApplyDue(ctx); err != nil {
		log.Printf("[scheduler] enqueue %s: %v", models.TaskApplyScheduledChanges, err)
	}
}

// EnqueueApplyDue queues one sweep of due scheduled changes. A sweep that is
// still pending or running is not duplicated.
func (s *Scheduler) EnqueueApplyDue(ctx context.Context) error {
	dedupe := models.TaskApplyScheduledChanges
	job := &models.QueueJob{
		Kind:        models.TaskApplyScheduledChanges,
		Payload:     models.Payload{},
		Priority:    models.PriorityNormal,
		MaxAttempts: applyMaxAttempts,
		DedupeKey:   &dedupe,
	}
	err := s.queue.Enqueue(ctx, job)
	if errors.Is(err, store.ErrDuplicateTask) {
		log.Printf("[scheduler] %s already queued, skipping", models.TaskApplyScheduledChanges)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[scheduler] queued %s as task %d", models.TaskApplyScheduledChanges, job.ID)
	return nil
}

// Cleaner deletes finished tasks.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AddCleanup registers a retention sweep that drops finished tasks older than
// retention. It runs inline; no task is queued for it.
func (s *Scheduler) AddCleanup(spec string, cleaner Cleaner, retention time.Duration) error {
	if cleaner == nil {
		return errors.New("scheduler: cleaner is required")
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		s.RunCleanup(ctx, cleaner, retention)
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid cleanup spec %q: %w", spec, err)
	}
	return nil
}

// RunCleanup runs one retention sweep and returns the number of tasks removed.
func (s *Scheduler) RunCleanup(ctx context.Context, cleaner Cleaner, retention time.Duration) int64 {
	n, err := cleaner.Cleanup(ctx, retention)
	if err != nil {
		log.Printf("[scheduler] task cleanup: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("[scheduler] removed %d finished tasks older than %s", n, retention)
	}
	return n
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[scheduler] started: %s on %q", models.TaskApplyScheduledChanges, s.spec)
}

// Stop halts the cron loop and waits for a running tick, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Printf("[scheduler] stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
