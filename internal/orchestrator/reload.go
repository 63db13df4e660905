package orchestrator

import (
	"context"
	"fmt"

	"github.com/basket/meridian/internal/config"
)

// Reload applies a new descriptor body for an already-registered agent: the
// old activation is drained (up to 30s) then the new descriptor is
// activated, with restart_count reset to 0 If the
// descriptor is unchanged in content, Reload is a no-op.
func (o *Orchestrator) Reload(ctx context.Context, d *config.AgentDescriptor) error {
	o.mu.Lock()
	reg, existed := o.agents[d.Name]
	unchanged := existed && descriptorEqual(reg.Descriptor, d)
	o.mu.Unlock()

	if !existed {
		o.Register(d)
		return o.Activate(ctx, d.Name)
	}
	if unchanged {
		return nil
	}

	activator, ok := o.disciplineFor(d.Mode)
	if !ok {
		return fmt.Errorf("orchestrator: no activator for mode %q", d.Mode)
	}
	if err := activator.Stop(ctx, d.Name, drainTimeout); err != nil {
		o.logger.Warn("agent drain before reload reported an error", "agent_name", d.Name, "error", err)
	}

	o.mu.Lock()
	o.agents[d.Name] = newRegistration(d)
	o.mu.Unlock()

	return o.Activate(ctx, d.Name)
}

// Deregister cleanly stops the agent's activation and removes its
// registration.4's descriptor-deletion transition. Durable
// state and the continuous queue (if any) are left untouched — the caller
// is expected not to delete them.
func (o *Orchestrator) Deregister(ctx context.Context, agentName string) error {
	o.mu.Lock()
	reg, ok := o.agents[agentName]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	activator, ok := o.disciplineFor(reg.Descriptor.Mode)
	if ok {
		if err := activator.Stop(ctx, agentName, drainTimeout); err != nil {
			o.logger.Warn("agent stop on deregister reported an error", "agent_name", agentName, "error", err)
		}
	}

	o.mu.Lock()
	if reg, ok := o.agents[agentName]; ok {
		reg.Status = StatusStopped
	}
	delete(o.agents, agentName)
	o.mu.Unlock()
	return nil
}

func descriptorEqual(a, b *config.AgentDescriptor) bool {
	return a.Name == b.Name &&
		a.Mode == b.Mode &&
		a.SystemPrompt == b.SystemPrompt &&
		a.LLM.Provider == b.LLM.Provider &&
		a.LLM.Model == b.LLM.Model
}
