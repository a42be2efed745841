package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/fieldjobs-billing/internal/billing"
	"github.com/PortNumber53/fieldjobs-billing/internal/metrics"
	"github.com/PortNumber53/fieldjobs-billing/internal/middleware"
	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// SubscriptionService is the billing behaviour the subscription endpoints use.
type SubscriptionService interface {
	CurrentPlan(ctx context.Context, userID string) (*billing.PlanView, error)
	UpgradeImmediate(ctx context.Context, req billing.PlanRequest) (*models.Subscription, error)
	DowngradeEndOfCycle(ctx context.Context, req billing.PlanRequest) (*models.ScheduledChange, error)
	Cancel(ctx context.Context, userID string) (*models.Subscription, error)
	Reactivate(ctx context.Context, userID string) (*models.Subscription, error)
	BillingPortal(ctx context.Context, userID string) (string, error)
	BillingHistory(ctx context.Context, userID string) (*billing.LedgerResult, error)
}

// Action is a subscription management operation.
type Action string

const (
	ActionUpgradeImmediate  Action = "upgrade_immediate"
	ActionDowngradeEndCycle Action = "downgrade_end_cycle"
	ActionCancel            Action = "cancel"
	ActionReactivate        Action = "reactivate"
	ActionBillingPortal     Action = "get_billing_portal"
	ActionBillingHistory    Action = "get_billing_history"
)

type manageRequest struct {
	Action   Action `json:"action"`
	UserID   string `json:"user_id"`
	PriceID  string `json:"price_id"`
	PlanTier string `json:"plan_tier"`
}

// SubscriptionHandler serves the subscription endpoints.
type SubscriptionHandler struct {
	Service SubscriptionService
	Metrics *metrics.Metrics
}

// NewSubscriptionHandler creates a new SubscriptionHandler
func NewSubscriptionHandler(svc SubscriptionService, m *metrics.Metrics) *SubscriptionHandler {
	return &SubscriptionHandler{Service: svc, Metrics: m}
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/subscription", h.GetSubscription())
	router.Post("/api/subscription/manage", h.Manage())
}

// requestUserID prefers the trusted identity header over the body.
func requestUserID(r *http.Request, fromBody string) string {
	if id := middleware.UserID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}

// GetSubscription returns the user's validated subscription, or the free tier.
func (h *SubscriptionHandler) GetSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := requestUserID(r, r.URL.Query().Get("user_id"))
		view, err := h.Service.CurrentPlan(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "plan": view})
	}
}

// Manage dispatches a subscription management action.
func (h *SubscriptionHandler) Manage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req manageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Printf("Manage: invalid JSON payload: %v", err)
			writeError(w, &billing.Error{Kind: billing.KindValidation, Msg: "invalid JSON payload"})
			return
		}
		userID := requestUserID(r, req.UserID)
		if userID == "" {
			writeError(w, &billing.Error{Kind: billing.KindValidation, Msg: "user id is required"})
			return
		}

		resp, err := h.run(r.Context(), req, userID)
		if err != nil {
			h.Metrics.Transition(string(req.Action), string(billing.KindOf(err)))
			log.Printf("Manage: action=%s user=%s failed: %v", req.Action, userID, err)
			writeError(w, err)
			return
		}
		h.Metrics.Transition(string(req.Action), "ok")
		resp["success"] = true
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *SubscriptionHandler) run(ctx context.Context, req manageRequest, userID string) (map[string]any, error) {
	plan := billing.PlanRequest{
		UserID:  userID,
		Tier:    models.PlanTier(strings.ToLower(strings.TrimSpace(req.PlanTier))),
		PriceID: strings.TrimSpace(req.PriceID),
	}

	switch req.Action {
	case ActionUpgradeImmediate:
		sub, err := h.Service.UpgradeImmediate(ctx, plan)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"message":      "Plan upgraded to " + string(sub.PlanTier),
			"subscription": sub,
		}, nil

	case ActionDowngradeEndCycle:
		change, err := h.Service.DowngradeEndOfCycle(ctx, plan)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"message":        "Downgrade to " + string(change.TargetTier) + " scheduled for the end of the billing period",
			"effective_date": change.EffectiveDate,
			"scheduled":      change,
		}, nil

	case ActionCancel:
		sub, err := h.Service.Cancel(ctx, userID)
		if err != nil {
			return nil, err
		}
		resp := map[string]any{
			"message":      "Subscription will end at the close of the billing period",
			"subscription": sub,
		}
		if sub.CurrentPeriodEnd != nil {
			resp["effective_date"] = sub.CurrentPeriodEnd
		}
		return resp, nil

	case ActionReactivate:
		sub, err := h.Service.Reactivate(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": "Subscription reactivated", "subscription": sub}, nil

	case ActionBillingPortal:
		url, err := h.Service.BillingPortal(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": "Billing portal session created", "url": url}, nil

	case ActionBillingHistory:
		res, err := h.Service.BillingHistory(ctx, userID)
		if err != nil {
			return nil, err
		}
		resp := map[string]any{
			"message":  "Billing history retrieved",
			"history":  res.Entries,
			"degraded": res.Degraded(),
		}
		if res.Degraded() {
			resp["failures"] = res.Failures
		}
		return resp, nil
	}

	return nil, &billing.Error{
		Kind:    billing.KindValidation,
		Msg:     "unknown action " + string(req.Action),
		Details: map[string]any{"allowed_actions": allowedActions()},
	}
}

func allowedActions() []Action {
	return []Action{
		ActionUpgradeImmediate,
		ActionDowngradeEndCycle,
		ActionCancel,
		ActionReactivate,
		ActionBillingPortal,
		ActionBillingHistory,
	}
}
