package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/fieldjobs-billing/internal/billing"
)

const maxWebhookBody = 1 << 20

// EventHandler verifies and dispatches one webhook delivery.
type EventHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) (*billing.Event, error)
}

// StripeHandler receives Stripe webhook deliveries.
type StripeHandler struct {
	Events EventHandler
}

// NewStripeHandler creates a new StripeHandler
func NewStripeHandler(events EventHandler) *StripeHandler {
	return &StripeHandler{Events: events}
}

// RegisterRoutes registers the webhook route.
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

// HandleWebhook acknowledges every verified delivery with 200. Handler
// failures after verification are replayed in the background, not reported
// to the sender.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		ev, err := h.Events.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			if errors.Is(err, billing.ErrInvalidSignature) {
				log.Printf("[webhook] rejected delivery: %v", err)
			}
			writeError(w, err)
			return
		}

		log.Printf("[webhook] Received event %s (type: %s)", ev.ID, ev.Type)
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	}
}
