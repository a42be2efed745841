// Package worker provides the background task processor with queue
// abstractions, worker loop, instrumentation hooks, and graceful shutdown
// handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/fieldjobs-billing/internal/metrics"
	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// Handler processes one task.
type Handler func(ctx context.Context, job *models.QueueJob) error

// Handlers maps task kinds to their handlers.
type Handlers map[string]Handler

// Queue is the task storage the worker claims from.
type Queue interface {
	Enqueue(ctx context.Context, job *models.QueueJob) error
	ClaimNext(ctx context.Context, workerID string) (*models.QueueJob, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	ScheduleRetry(ctx context.Context, id int64, cause string, retryAfter time.Time) error
	Release(ctx context.Context, id int64) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// Instrumentation provides hooks for monitoring the task lifecycle.
type Instrumentation struct {
	OnEnqueue   func(job *models.QueueJob)
	OnComplete  func(job *models.QueueJob, duration time.Duration)
	OnFail      func(job *models.QueueJob, err error, duration time.Duration)
	OnRetry     func(job *models.QueueJob, retryAfter time.Duration)
	OnHeartbeat func(workerID string, stats Stats)
}

// MetricsInstrumentation reports task outcomes to Prometheus and logs a
// heartbeat line.
func MetricsInstrumentation(m *metrics.Metrics) *Instrumentation {
	return &Instrumentation{
		OnComplete: func(job *models.QueueJob, _ time.Duration) {
			m.QueueTask(job.Kind, "completed")
		},
		OnFail: func(job *models.QueueJob, _ error, _ time.Duration) {
			m.QueueTask(job.Kind, "failed")
		},
		OnRetry: func(job *models.QueueJob, _ time.Duration) {
			m.QueueTask(job.Kind, "retried")
		},
		OnHeartbeat: func(workerID string, s Stats) {
			log.Printf("[worker] %s heartbeat: processed=%d succeeded=%d failed=%d retried=%d active=%d",
				workerID, s.JobsProcessed, s.JobsSucceeded, s.JobsFailed, s.JobsRetried, s.ActiveWorkers)
		},
	}
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	JobsRetried     int64
	ActiveWorkers   int
	LastProcessedAt time.Time
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the number of processor goroutines.
	MaxConcurrent int
	// PollInterval is the wait between polls when the queue is empty.
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the delay between retries.
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff.
	RetryBackoffMultiplier float64
	// JobTimeout bounds one handler run.
	JobTimeout time.Duration
	// ShutdownTimeout bounds how long Stop waits for processors.
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval between OnHeartbeat calls.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          10 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             2 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      time.Minute,
	}
}

// Worker claims tasks from a Queue and runs their handlers.
type Worker struct {
	config          Config
	queue           Queue
	handlers        Handlers
	instrumentation *Instrumentation

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks running task ids for graceful shutdown.
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a Worker. Zero config values fall back to DefaultConfig.
func New(config Config, queue Queue, handlers Handlers) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if handlers == nil {
		handlers = Handlers{}
	}

	return &Worker{
		config:          config,
		queue:           queue,
		handlers:        handlers,
		workerID:        "worker-" + uuid.NewString(),
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// ID returns the worker's identifier as recorded on claimed tasks.
func (w *Worker) ID() string {
	return w.workerID
}

// RegisterHandler sets the handler for a task kind. Call before Start.
func (w *Worker) RegisterHandler(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst == nil {
		inst = &Instrumentation{}
	}
	w.instrumentation = inst
}

func (w *Worker) hooks() *Instrumentation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instrumentation
}

// Start launches the processor pool and returns immediately.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[worker] Starting with ID: %s, max concurrent: %d", w.workerID, w.config.MaxConcurrent)

	if w.hooks().OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker. Tasks still running are cancelled
// and released back to pending.
func (w *Worker) Stop(ctx context.Context) error {
	log.Printf("[worker] Initiating graceful shutdown...")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[worker] Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Printf("[worker] Shutdown timeout exceeded, forcing stop")
		return errors.New("worker: shutdown timeout exceeded")
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	processorID := fmt.Sprintf("%s-%d", w.workerID, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		ran, err := w.ProcessOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("[worker] Processor %s error: %v", processorID, err)
		}
		if ran && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessOne claims and runs at most one task. It reports whether a task was
// claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx, w.workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.processJob(ctx, job)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *models.QueueJob) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	log.Printf("[worker] Processing task %d (kind: %s, attempt: %d/%d)",
		job.ID, job.Kind, job.Attempts, job.MaxAttempts)

	w.mu.RLock()
	handler, ok := w.handlers[job.Kind]
	w.mu.RUnlock()
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for task kind: %s", job.Kind), start)
		return
	}

	if err := runHandler(jobCtx, handler, job); err != nil {
		if w.isStopping() && errors.Is(err, context.Canceled) {
			// Released by Stop; the next worker picks it up.
			return
		}
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// runHandler converts a handler panic into an error so one bad task cannot
// take down the processor.
func runHandler(ctx context.Context, h Handler, job *models.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) isStopping() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

// retryDelay returns the backoff before the next attempt, with ±20% jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) handleError(ctx context.Context, job *models.QueueJob, err error, start time.Time) {
	duration := time.Since(start)
	log.Printf("[worker] Task %d failed after %v: %v", job.ID, duration, err)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	hooks := w.hooks()
	if job.CanRetry() {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if hooks.OnRetry != nil {
			hooks.OnRetry(job, delay)
		}
		log.Printf("[worker] Scheduling retry for task %d after %v (attempt %d/%d)",
			job.ID, delay, job.Attempts, job.MaxAttempts)

		if err := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); err != nil {
			log.Printf("[worker] Failed to schedule retry for task %d: %v", job.ID, err)
		}
		return
	}

	if hooks.OnFail != nil {
		hooks.OnFail(job, err, duration)
	}
	log.Printf("[worker] Task %d exhausted all %d attempts, marking as failed", job.ID, job.MaxAttempts)
	if err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
		log.Printf("[worker] Failed to mark task %d as failed: %v", job.ID, err)
	}
}

func (w *Worker) handleSuccess(ctx context.Context, job *models.QueueJob, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if hooks := w.hooks(); hooks.OnComplete != nil {
		hooks.OnComplete(job, duration)
	}
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Printf("[worker] Failed to mark task %d as completed: %v", job.ID, err)
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels running tasks and puts them back to pending.
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.Release(ctx, id); err != nil {
			log.Printf("[worker] Failed to release task %d: %v", id, err)
			continue
		}
		log.Printf("[worker] Released task %d back to pending", id)
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if hook := w.hooks().OnHeartbeat; hook != nil {
				hook(w.workerID, w.Stats())
			}
		}
	}
}

// Stats returns current worker statistics.
func (w *Worker) Stats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   active,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue validates and stores a new task.
func (w *Worker) Enqueue(ctx context.Context, job *models.QueueJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	if hooks := w.hooks(); hooks.OnEnqueue != nil {
		hooks.OnEnqueue(job)
	}
	log.Printf("[worker] Enqueued task %d (kind: %s, priority: %s)", job.ID, job.Kind, job.Priority)
	return nil
}

// QueueStats returns counts per task status.
func (w *Worker) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	return w.queue.Stats(ctx)
}
