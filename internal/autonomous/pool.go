// Package autonomous implements the Autonomous Pool (C5): a
// work-stealing consumer group over `autonomous.task.submitted`, each
// event handled in an isolated, single-turn LLM call.
package autonomous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/shared"
	"github.com/basket/meridian/internal/store"
)

const (
	queueName         = "pool.autonomous"
	defaultPrefetch   = 4
	heartbeatInterval = 60 * time.Second
)

// TaskPayload is the inbound payload for an autonomous task submission.
type TaskPayload struct {
	Prompt string `json:"prompt"`
}

// ResultPayload is the outbound payload for completed/failed events.
type ResultPayload struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProviderFactory builds an llmclient.Provider for a descriptor's
// resolved LLM config. llmclient.Factory satisfies this; tests substitute
// a fake to avoid making real provider calls.
type ProviderFactory interface {
	New(ctx context.Context, llm config.LLMConfig) (llmclient.Provider, error)
}

// Pool implements orchestrator.Activator for AUTONOMOUS descriptors.
type Pool struct {
	registry *config.Registry
	store    *store.Store
	bus      *bus.Bus
	orch     *orchestrator.Orchestrator
	factory  ProviderFactory
	logger   *slog.Logger

	sub *bus.Subscription

	heartbeatCancel context.CancelFunc
}

// New wires a Pool to the shared bus/store/registry/orchestrator, using
// the real llmclient.Factory to build providers.
func New(registry *config.Registry, st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, logger *slog.Logger) *Pool {
	return NewWithFactory(registry, st, b, orch, llmclient.Factory{}, logger)
}

// NewWithFactory wires a Pool with an explicit ProviderFactory, used by
// tests to inject a fake provider.
func NewWithFactory(registry *config.Registry, st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, factory ProviderFactory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{registry: registry, store: st, bus: b, orch: orch, factory: factory, logger: logger}
}

// Activate subscribes the shared consumer group, once, on first call for
// any AUTONOMOUS descriptor. Subsequent Activate calls for other
// autonomous descriptors are no-ops against the same subscription; the
// queue is shared, not per-agent.
func (p *Pool) Activate(ctx context.Context, d *config.AgentDescriptor) error {
	if p.sub != nil {
		return nil
	}
	sub, err := p.bus.Subscribe(ctx, queueName, []string{"autonomous.task.submitted"}, p.Handle, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		return fmt.Errorf("autonomous: subscribe: %w", err)
	}
	p.sub = sub

	hbCtx, cancel := context.WithCancel(ctx)
	p.heartbeatCancel = cancel
	go p.heartbeatLoop(hbCtx)
	return nil
}

// Stop cancels the shared subscription. drain is accepted for interface
// compatibility; in-flight handler goroutines observe ctx cancellation
// from the bus's own subscription context.
func (p *Pool) Stop(ctx context.Context, agentName string, drain time.Duration) error {
	if p.heartbeatCancel != nil {
		p.heartbeatCancel()
	}
	if p.sub != nil {
		p.sub.Stop()
		p.sub = nil
	}
	return nil
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range p.registry.ListByMode(config.ModeAutonomous) {
				p.orch.Heartbeat(d.Name)
			}
		}
	}
}

// Handle implements the per-event steps.5. It is exported
// so tests can drive it directly without running a live consumer loop.
func (p *Pool) Handle(ctx context.Context, ev bus.Event) bus.Result {
	ctx = shared.WithTraceID(ctx, ev.TraceID)

	d, ok := p.registry.Get(ev.AgentName)
	if !ok || d.Mode != config.ModeAutonomous {
		p.failExecution(ctx, ev, "unknown agent or mode mismatch")
		return bus.FatalErr(fmt.Errorf("autonomous: agent %q missing or not autonomous", ev.AgentName))
	}

	if err := p.store.MarkRunning(ctx, ev.ExecutionID); err != nil {
		p.logger.Error("autonomous: mark running failed", "execution_id", ev.ExecutionID, "error", err)
	}

	var payload TaskPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.failExecution(ctx, ev, "invalid payload: "+err.Error())
		return bus.FatalErr(err)
	}

	provider, err := p.factory.New(ctx, d.LLM)
	if err != nil {
		p.failExecution(ctx, ev, err.Error())
		return bus.FatalErr(err)
	}

	resp, err := provider.Complete(ctx, llmclient.CompleteRequest{
		SystemPrompt: d.SystemPrompt,
		Messages:     []llmclient.Message{{Role: "user", Content: payload.Prompt}},
	})
	if err != nil {
		class := llmclient.ClassifyError(err)
		maxRetries := 2
		if d.RetryConfig != nil {
			maxRetries = d.RetryConfig.MaxRetries
		}
		if class.Retryable() && ev.RetryCount < maxRetries {
			return bus.Retryable(err)
		}
		p.failExecution(ctx, ev, err.Error())
		return bus.FatalErr(err)
	}

	result, _ := json.Marshal(ResultPayload{Result: resp.Content})
	if err := p.store.CompleteExecution(ctx, ev.ExecutionID, result); err != nil {
		p.logger.Error("autonomous: complete execution failed", "execution_id", ev.ExecutionID, "error", err)
	}

	completedEv := bus.Event{
		EventID:     ev.EventID + ".completed",
		EventType:   "task.completed",
		Timestamp:   time.Now().UTC(),
		TraceID:     ev.TraceID,
		AgentName:   ev.AgentName,
		ExecutionID: ev.ExecutionID,
		Payload:     result,
	}
	if err := p.bus.Publish(ctx, "autonomous.task.completed", completedEv, true); err != nil {
		p.logger.Error("autonomous: publish completed event failed", "execution_id", ev.ExecutionID, "error", err)
	}
	return bus.OK()
}

func (p *Pool) failExecution(ctx context.Context, ev bus.Event, reason string) {
	if err := p.store.FailExecution(ctx, ev.ExecutionID, reason); err != nil {
		p.logger.Error("autonomous: fail execution failed", "execution_id", ev.ExecutionID, "error", err)
	}
	payload, _ := json.Marshal(ResultPayload{Error: reason})
	failedEv := bus.Event{
		EventID:     ev.EventID + ".failed",
		EventType:   "task.failed",
		Timestamp:   time.Now().UTC(),
		TraceID:     ev.TraceID,
		AgentName:   ev.AgentName,
		ExecutionID: ev.ExecutionID,
		Payload:     payload,
	}
	if err := p.bus.Publish(ctx, "autonomous.task.failed", failedEv, true); err != nil {
		p.logger.Error("autonomous: publish failed event failed", "execution_id", ev.ExecutionID, "error", err)
	}
}
