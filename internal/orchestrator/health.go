package orchestrator

import (
	"context"
	"time"
)

// Supervise runs the heartbeat-miss detector until ctx is cancelled. It
// checks every agent's LastHeartbeat on each tick; an agent HEALTHY with no
// heartbeat for more than heartbeatMissThreshold is marked DEGRADED and an
// immediate restart is attempted. A registration that exhausts
// maxRestarts consecutive restart failures is marked FAILED.
func (o *Orchestrator) Supervise(ctx context.Context, tickEvery time.Duration) {
	if tickEvery <= 0 {
		tickEvery = 30 * time.Second
	}
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHeartbeats(ctx)
		}
	}
}

func (o *Orchestrator) checkHeartbeats(ctx context.Context) {
	now := time.Now().UTC()

	var stale []string
	o.mu.Lock()
	for name, reg := range o.agents {
		if reg.Status != StatusHealthy {
			continue
		}
		if reg.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(reg.LastHeartbeat) > heartbeatMissThreshold {
			reg.Status = StatusDegraded
			stale = append(stale, name)
		}
	}
	o.mu.Unlock()

	for _, name := range stale {
		o.logger.Warn("agent heartbeat stale, restarting", "agent_name", name)
		o.restart(ctx, name)
	}
}

func (o *Orchestrator) restart(ctx context.Context, agentName string) {
	o.mu.Lock()
	reg, ok := o.agents[agentName]
	if !ok {
		o.mu.Unlock()
		return
	}
	if reg.RestartCount >= maxRestarts {
		reg.Status = StatusFailed
		reg.FailureReason = "exceeded max restarts after repeated heartbeat loss"
		o.mu.Unlock()
		o.logger.Error("agent failed permanently after max restarts", "agent_name", agentName, "restart_count", reg.RestartCount)
		return
	}
	reg.RestartCount++
	count := reg.RestartCount
	o.mu.Unlock()

	if err := o.Activate(ctx, agentName); err != nil {
		o.logger.Error("agent restart failed", "agent_name", agentName, "restart_count", count, "error", err)
		return
	}
	o.logger.Info("agent restarted", "agent_name", agentName, "restart_count", count)
}
