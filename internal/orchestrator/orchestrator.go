package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/basket/meridian/internal/config"
)

// Orchestrator owns the AgentRegistration map: the single in-memory
// registry of every agent's lifecycle state. It is the only writer; every
// other component reads through Get/List, which return snapshots.
type Orchestrator struct {
	mu          sync.RWMutex
	agents      map[string]*AgentRegistration
	breakers    map[string]*gobreaker.CircuitBreaker
	disciplines map[config.Mode]Activator
	logger      *slog.Logger
}

// New constructs an Orchestrator. disciplines maps each execution mode to
// the Activator responsible for it; a mode with no entry cannot be
// registered.
func New(disciplines map[config.Mode]Activator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		agents:      map[string]*AgentRegistration{},
		breakers:    map[string]*gobreaker.CircuitBreaker{},
		disciplines: disciplines,
		logger:      logger,
	}
}

// SetDisciplines installs the mode->Activator map after construction, for
// callers where the pools themselves need a constructed Orchestrator
// reference (every Pool constructor in this tree takes *Orchestrator), so
// the map can't be assembled until after New returns. Not safe to call
// once agents have started activating.
func (o *Orchestrator) SetDisciplines(disciplines map[config.Mode]Activator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disciplines = disciplines
}

func (o *Orchestrator) breakerFor(agentName string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.breakers[agentName]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orchestrator-activation-" + agentName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     heartbeatMissThreshold,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxRestarts
		},
	})
	o.breakers[agentName] = b
	return b
}

// Register installs a descriptor as a new AgentRegistration in state
// REGISTERED. It does not activate it; call Activate separately.
func (o *Orchestrator) Register(d *config.AgentDescriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[d.Name] = newRegistration(d)
}

// Activate transitions an agent REGISTERED->STARTING, invokes its
// discipline's Activate through a per-agent circuit breaker, and settles
// to HEALTHY or FAILED.
func (o *Orchestrator) Activate(ctx context.Context, agentName string) error {
	o.mu.Lock()
	reg, ok := o.agents[agentName]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: agent %q not registered", agentName)
	}
	reg.Status = StatusStarting
	d := reg.Descriptor
	o.mu.Unlock()

	activator, ok := o.disciplineFor(d.Mode)
	if !ok {
		o.setFailed(agentName, fmt.Sprintf("no activator registered for mode %q", d.Mode))
		return fmt.Errorf("orchestrator: no activator for mode %q", d.Mode)
	}

	breaker := o.breakerFor(agentName)
	_, err := breaker.Execute(func() (any, error) {
		return nil, activator.Activate(ctx, d)
	})
	if err != nil {
		o.setFailed(agentName, err.Error())
		return fmt.Errorf("orchestrator: activate %q: %w", agentName, err)
	}

	o.mu.Lock()
	reg.Status = StatusHealthy
	reg.LastHeartbeat = time.Now().UTC()
	reg.FailureReason = ""
	o.mu.Unlock()
	o.logger.Info("agent activated", "agent_name", agentName, "mode", d.Mode)
	return nil
}

func (o *Orchestrator) setFailed(agentName, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reg, ok := o.agents[agentName]; ok {
		reg.Status = StatusFailed
		reg.FailureReason = reason
	}
	o.logger.Error("agent activation failed", "agent_name", agentName, "reason", reason)
}

// Heartbeat records liveness for agentName, reported periodically by its
// discipline.
func (o *Orchestrator) Heartbeat(agentName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, ok := o.agents[agentName]
	if !ok {
		return
	}
	reg.LastHeartbeat = time.Now().UTC()
	if reg.Status == StatusDegraded {
		reg.Status = StatusHealthy
	}
	if reg.Status == StatusHealthy {
		reg.RestartCount = 0
	}
}

// Get returns a point-in-time snapshot of one registration.
func (o *Orchestrator) Get(agentName string) (*AgentRegistration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	reg, ok := o.agents[agentName]
	if !ok {
		return nil, false
	}
	return reg.snapshot(), true
}

// List returns a snapshot of every registration.
func (o *Orchestrator) List() []*AgentRegistration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*AgentRegistration, 0, len(o.agents))
	for _, reg := range o.agents {
		out = append(out, reg.snapshot())
	}
	return out
}
