package orchestrator

import (
	"context"
	"sync"
)

// Shutdown broadcasts stop to every activation in parallel, each bounded by
// drainTimeout, then marks every remaining registration STOPPED. It does
// not touch durable state; continuous-agent flush is the responsibility of
// the continuous runner's own Stop implementation.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	names := make([]string, 0, len(o.agents))
	modes := make(map[string]Activator, len(o.agents))
	for name, reg := range o.agents {
		names = append(names, name)
		if a, ok := o.disciplineFor(reg.Descriptor.Mode); ok {
			modes[name] = a
		}
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		activator, ok := modes[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(agentName string, a Activator) {
			defer wg.Done()
			if err := a.Stop(ctx, agentName, drainTimeout); err != nil {
				o.logger.Warn("activation stop reported an error during shutdown", "agent_name", agentName, "error", err)
			}
		}(name, activator)
	}
	wg.Wait()

	o.mu.Lock()
	for _, reg := range o.agents {
		reg.Status = StatusStopped
	}
	o.mu.Unlock()
	o.logger.Info("orchestrator shutdown complete", "agents", len(names))
}
