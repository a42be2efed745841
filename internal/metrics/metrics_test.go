package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.WebhookEvent("subscription_updated", "ok")
	m.WebhookEvent("subscription_updated", "ok")
	m.Transition("cancel", "error")
	m.LedgerDegraded("subscription_invoice")

	if got := testutil.ToFloat64(m.WebhookEvents.WithLabelValues("subscription_updated", "ok")); got != 2 {
		t.Fatalf("expected 2 webhook events, got %v", got)
	}
	if got := testutil.ToFloat64(m.PlanTransitions.WithLabelValues("cancel", "error")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.LedgerDegradations.WithLabelValues("subscription_invoice")); got != 1 {
		t.Fatalf("expected 1 degradation, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.WebhookEvent("unknown", "ignored")
	m.Transition("upgrade_immediate", "ok")
	m.LedgerDegraded("job_purchase")
	m.QueueTask("webhook_replay", "completed")
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.QueueTask("apply_scheduled_changes", "completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "billing_queue_tasks_total") {
		t.Fatal("expected queue task counter in exposition")
	}
}
