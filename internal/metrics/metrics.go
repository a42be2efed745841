// Package metrics exposes the Prometheus collectors for the billing service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// Metrics holds the service's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	WebhookEvents       *prometheus.CounterVec
	PlanTransitions     *prometheus.CounterVec
	LedgerDegradations  *prometheus.CounterVec
	QueueTasks          *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Verified webhook events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PlanTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_transitions_total",
			Help:      "Subscription management actions by action and outcome.",
		}, []string{"action", "outcome"}),
		LedgerDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_degradations_total",
			Help:      "Billing history sources that failed and were omitted.",
		}, []string{"source"}),
		QueueTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_tasks_total",
			Help:      "Background tasks by kind and result.",
		}, []string{"kind", "result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.WebhookEvents,
		m.PlanTransitions,
		m.LedgerDegradations,
		m.QueueTasks,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WebhookEvent counts one handled event.
func (m *Metrics) WebhookEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(kind, outcome).Inc()
}

// Transition counts one management action.
func (m *Metrics) Transition(action, outcome string) {
	if m == nil {
		return
	}
	m.PlanTransitions.WithLabelValues(action, outcome).Inc()
}

// LedgerDegraded counts a ledger source omitted from a response.
func (m *Metrics) LedgerDegraded(source string) {
	if m == nil {
		return
	}
	m.LedgerDegradations.WithLabelValues(source).Inc()
}

// QueueTask counts a finished background task attempt.
func (m *Metrics) QueueTask(kind, result string) {
	if m == nil {
		return
	}
	m.QueueTasks.WithLabelValues(kind, result).Inc()
}
