package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/shared"
	"github.com/basket/meridian/internal/store"
)

// Submitter publishes operator/event-triggered task submissions onto the
// dispatch bus. Every submission generates an execution_id and a QUEUED
// ExecutionRecord before the event is published.
type Submitter struct {
	orch  *Orchestrator
	store *store.Store
	bus   *bus.Bus
}

// NewSubmitter wires a Submitter to the orchestrator's registry, the
// durable store, and the dispatch bus.
func NewSubmitter(orch *Orchestrator, st *store.Store, b *bus.Bus) *Submitter {
	return &Submitter{orch: orch, store: st, bus: b}
}

// Submission is an operator- or event-triggered task submission.
type Submission struct {
	AgentName string
	TraceID   string
	Payload   json.RawMessage
}

// Submit resolves the named agent's descriptor, creates a QUEUED execution
// record, and publishes a task event on the routing key implied by its
// mode.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (executionID string, err error) {
	reg, ok := s.orch.Get(sub.AgentName)
	if !ok {
		return "", fmt.Errorf("orchestrator: agent %q not registered", sub.AgentName)
	}

	traceID := sub.TraceID
	if traceID == "" {
		traceID = shared.TraceID(ctx)
	}
	if traceID == "" || traceID == "-" {
		traceID = shared.NewTraceID()
	}

	executionID = uuid.NewString()
	rec := store.ExecutionRecord{
		ExecutionID: executionID,
		AgentName:   sub.AgentName,
		TraceID:     traceID,
		Status:      store.ExecutionQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		return "", fmt.Errorf("orchestrator: create execution record: %w", err)
	}

	topic := reg.Descriptor.RoutingKey()
	ev := bus.Event{
		EventID:     uuid.NewString(),
		EventType:   "task.submitted",
		Timestamp:   time.Now().UTC(),
		TraceID:     traceID,
		AgentName:   sub.AgentName,
		ExecutionID: executionID,
		Payload:     sub.Payload,
	}
	if rc := reg.Descriptor.RetryConfig; rc != nil {
		ev.MaxRetries = rc.MaxRetries
	}
	if err := s.bus.Publish(ctx, topic, ev, true); err != nil {
		return "", fmt.Errorf("orchestrator: publish submission: %w", err)
	}
	return executionID, nil
}

// Cancel marks an in-flight or queued execution CANCELLED. It returns the
// previous status so callers can report whether cancellation was a no-op
// against an already-terminal execution.
func (s *Submitter) Cancel(ctx context.Context, executionID string) (store.ExecutionStatus, error) {
	return s.store.CancelExecution(ctx, executionID)
}
