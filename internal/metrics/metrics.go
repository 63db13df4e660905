// Package metrics exposes the ambient Prometheus collectors shared across
// components: queue depth, pool utilization, and heartbeat staleness. This
// sits alongside the OTel instruments in internal/otelx, which carry
// tracing-correlated task/dispatch metrics; this package is the plain
// `/metrics` scrape surface an operator points Prometheus at directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this process exposes.
type Registry struct {
	registry *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	DLQDepth          *prometheus.GaugeVec
	PoolUtilization   *prometheus.GaugeVec
	HeartbeatStaleAge *prometheus.GaugeVec
	AgentStatus       *prometheus.GaugeVec
	ExecutionsTotal   *prometheus.CounterVec
}

// New constructs a Registry with all collectors registered against a fresh
// prometheus.Registry (not the global DefaultRegisterer, so tests and
// multiple daemon instances in one process never collide on collector
// names).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meridian_queue_depth",
			Help: "Number of ready+leased messages in a dispatch bus queue.",
		}, []string{"queue"}),
		DLQDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meridian_dlq_depth",
			Help: "Number of messages in a queue's dead-letter sibling.",
		}, []string{"queue"}),
		PoolUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meridian_pool_active_executions",
			Help: "Number of in-flight executions for an agent, as tracked by its AgentRegistration.",
		}, []string{"agent_name", "mode"}),
		HeartbeatStaleAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meridian_agent_heartbeat_age_seconds",
			Help: "Seconds since the last heartbeat observed for a HEALTHY or DEGRADED agent.",
		}, []string{"agent_name"}),
		AgentStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meridian_agent_status",
			Help: "1 for the AgentRegistration's current status, 0 otherwise, one series per known status value.",
		}, []string{"agent_name", "status"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_executions_total",
			Help: "Total executions observed, by agent and terminal status.",
		}, []string{"agent_name", "status"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
