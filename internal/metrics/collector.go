package metrics

import (
	"context"
	"time"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/orchestrator"
)

const scrapeInterval = 15 * time.Second

// Collector periodically samples the orchestrator's registration map and
// the dispatch bus's queue depths into the Prometheus gauges, since neither
// is itself a push-based metrics source.
type Collector struct {
	metrics *Registry
	orch    *orchestrator.Orchestrator
	bus     *bus.Bus
	queues  []string
}

// NewCollector wires a Collector to the orchestrator and bus it samples,
// watching the given durable queue names for depth.
func NewCollector(metrics *Registry, orch *orchestrator.Orchestrator, b *bus.Bus, queues []string) *Collector {
	return &Collector{metrics: metrics, orch: orch, bus: b, queues: queues}
}

// Run blocks, sampling every scrapeInterval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sampling pass; exported so tests and a manual
// /metrics pre-warm can trigger one outside the ticker loop.
func (c *Collector) RunOnce(ctx context.Context) {
	now := time.Now()
	for _, reg := range c.orch.List() {
		c.metrics.PoolUtilization.WithLabelValues(reg.Descriptor.Name, string(reg.Descriptor.Mode)).Set(float64(reg.ActiveExecutions))
		if !reg.LastHeartbeat.IsZero() {
			c.metrics.HeartbeatStaleAge.WithLabelValues(reg.Descriptor.Name).Set(now.Sub(reg.LastHeartbeat).Seconds())
		}
		for _, status := range []string{"REGISTERED", "STARTING", "HEALTHY", "DEGRADED", "FAILED", "STOPPED"} {
			v := 0.0
			if string(reg.Status) == status {
				v = 1.0
			}
			c.metrics.AgentStatus.WithLabelValues(reg.Descriptor.Name, status).Set(v)
		}
	}

	for _, q := range c.queues {
		if depth, err := c.bus.QueueDepth(ctx, q); err == nil {
			c.metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
		}
		if depth, err := c.bus.DLQDepth(ctx, q); err == nil {
			c.metrics.DLQDepth.WithLabelValues("dlq."+q).Set(float64(depth))
		}
	}
}
