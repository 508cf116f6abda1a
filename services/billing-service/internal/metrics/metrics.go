// Package metrics holds the service's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	providerCalls  *prometheus.CounterVec
	providerTime   *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	sweepRuns      *prometheus.CounterVec
	sweepActions   *prometheus.CounterVec
	outboxSent     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscription_transitions_total",
			Help: "Committed subscription history entries by action.",
		}, []string{"action"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_events_total",
			Help: "Provider webhooks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quota_decisions_total",
			Help: "Quota authorizations by action and result.",
		}, []string{"action", "result"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_calls_total",
			Help: "Payment provider operations by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		providerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "provider_call_duration_seconds",
			Help:    "Payment provider operation latency including retries.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"provider", "op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_runs_total",
			Help: "Scheduled sweep runs by result.",
		}, []string{"result"}),
		sweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_actions_total",
			Help: "Subscriptions changed by the sweep, by rule.",
		}, []string{"rule"}),
		outboxSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total",
			Help: "Outbox events delivered to Kafka.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.webhooks, m.quotaDecisions, m.providerCalls, m.providerTime,
		m.httpRequests, m.httpDuration, m.sweepRuns, m.sweepActions, m.outboxSent,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) Webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(label(provider), outcome).Inc()
}

func (m *Metrics) QuotaDecision(action string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.quotaDecisions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ProviderCall(provider, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, op, outcome).Inc()
	m.providerTime.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

// HTTPRequest matches httpx.RequestObserver.
func (m *Metrics) HTTPRequest(r *http.Request, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
}

func (m *Metrics) SweepRun(result string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) SweepAction(rule string) {
	if m == nil {
		return
	}
	m.sweepActions.WithLabelValues(rule).Inc()
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxSent.Add(float64(n))
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	if len(s) > 64 {
		return s[:64]
	}
	return s
}
