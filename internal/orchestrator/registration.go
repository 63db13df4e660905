// Package orchestrator owns the AgentRegistration map, activates each
// registered descriptor on its matching execution discipline, supervises
// heartbeat-based health, and routes operator/event submissions.
package orchestrator

import (
	"time"

	"github.com/basket/meridian/internal/config"
)

// Status is an AgentRegistration's position in the orchestrator's state
// machine.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusStarting   Status = "STARTING"
	StatusHealthy    Status = "HEALTHY"
	StatusDegraded   Status = "DEGRADED"
	StatusFailed     Status = "FAILED"
	StatusStopped    Status = "STOPPED"
)

const (
	heartbeatMissThreshold = 180 * time.Second
	maxRestarts            = 3
	drainTimeout           = 30 * time.Second
)

// AgentRegistration is the mutable, Orchestrator-owned record for one
// agent. Only the supervisor goroutine mutates a registration in place;
// every other reader gets a value-copy snapshot via Registry.Get/List.
type AgentRegistration struct {
	Descriptor       *config.AgentDescriptor
	Status           Status
	RestartCount     int
	LastHeartbeat    time.Time
	ActiveExecutions int
	FailureReason    string
}

func newRegistration(d *config.AgentDescriptor) *AgentRegistration {
	return &AgentRegistration{
		Descriptor: d,
		Status:     StatusRegistered,
	}
}

func (r AgentRegistration) snapshot() *AgentRegistration {
	cp := r
	return &cp
}
