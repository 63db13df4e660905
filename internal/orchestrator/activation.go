package orchestrator

import (
	"context"
	"time"

	"github.com/basket/meridian/internal/config"
)

// Activator is the Pool capability interface: every execution
// discipline — autonomous, collaborative, continuous, scheduled — exposes
// the same three operations to the Orchestrator, regardless of how it
// actually executes work. The Orchestrator depends only on this interface,
// never on a concrete pool type.
type Activator interface {
	// Activate subscribes/registers for the descriptor's routing key(s) and
	// begins accepting work. It must be idempotent-safe to call again after
	// Stop for the same agent name (used by hot reload).
	Activate(ctx context.Context, d *config.AgentDescriptor) error

	// Stop drains in-flight work for agentName, waiting up to drain before
	// cancelling remaining contexts.
	Stop(ctx context.Context, agentName string, drain time.Duration) error
}

// disciplineFor returns the Activator responsible for a descriptor's mode.
func (o *Orchestrator) disciplineFor(mode config.Mode) (Activator, bool) {
	a, ok := o.disciplines[mode]
	return a, ok
}
