package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// QueueStatsSource reports queue depth per status.
type QueueStatsSource interface {
	QueueStats(ctx context.Context) (*models.QueueStats, error)
}

// SweepTrigger queues a scheduled-change sweep outside the cron cadence.
type SweepTrigger interface {
	EnqueueApplyDue(ctx context.Context) error
}

// GetQueueStats returns statistics about the task queue
func GetQueueStats(source QueueStatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := source.QueueStats(r.Context())
		if err != nil {
			log.Printf("GetQueueStats: failed to get stats: %v", err)
			http.Error(w, "failed to retrieve queue statistics", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// TriggerApplyDue queues a sweep of due scheduled changes. A sweep that is
// already queued is not duplicated.
func TriggerApplyDue(trigger SweepTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := trigger.EnqueueApplyDue(r.Context()); err != nil {
			log.Printf("TriggerApplyDue: failed to enqueue sweep: %v", err)
			http.Error(w, "failed to enqueue sweep", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"kind":    models.TaskApplyScheduledChanges,
			"message": "Sweep queued",
		})
	}
}

// QueueHandler holds dependencies for the queue operations endpoints
type QueueHandler struct {
	Stats   QueueStatsSource
	Trigger SweepTrigger
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(stats QueueStatsSource, trigger SweepTrigger) *QueueHandler {
	return &QueueHandler{Stats: stats, Trigger: trigger}
}

// RegisterRoutes registers queue handlers with the router
func (h *QueueHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/queue/stats", GetQueueStats(h.Stats))
	if h.Trigger != nil {
		router.Post("/api/queue/apply-scheduled-changes", TriggerApplyDue(h.Trigger))
	}
}
