// Package metrics exposes the engine's Prometheus collectors: tick
// latency, retry attempts, event-bus publish/drop counts, and
// per-instance PnL. The teacher depends on client_golang for
// EnableMetrics/MetricsPort but never registers a collector with it;
// this package is where that dependency actually earns its place.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the engine publishes, backed by a
// private prometheus.Registry so tests can construct one without
// colliding with the global default registry.
type Registry struct {
	reg *prometheus.Registry

	TickDuration    *prometheus.HistogramVec
	RetryAttempts   *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	InstancePnL     *prometheus.GaugeVec
	HealthIssues    *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dlmm_engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one instance monitoring tick.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance_id"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_engine",
			Name:      "retry_attempts_total",
			Help:      "Retry attempts made by the retry executor, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_engine",
			Name:      "events_published_total",
			Help:      "Events published on the event bus, by topic.",
		}, []string{"topic"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_engine",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber's async queue was full, by topic.",
		}, []string{"topic"}),
		InstancePnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dlmm_engine",
			Name:      "instance_net_pnl_percent",
			Help:      "Most recent net PnL percentage observed for an instance.",
		}, []string{"instance_id"}),
		HealthIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmm_engine",
			Name:      "health_issues_total",
			Help:      "Health issues detected by the scheduler's health checker, by category.",
		}, []string{"category"}),
	}

	reg.MustRegister(m.TickDuration, m.RetryAttempts, m.EventsPublished, m.EventsDropped, m.InstancePnL, m.HealthIssues)
	return m
}

// Handler returns the HTTP handler serving this registry in the
// Prometheus text exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
