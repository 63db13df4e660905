// Package collaborative implements the Collaborative Pool (C7): multi-step
// plans where a planner LLM call decomposes a task into ordered steps, each
// routed to an executor agent and awaited strictly in sequence.
package collaborative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/shared"
	"github.com/basket/meridian/internal/slackgw"
	"github.com/basket/meridian/internal/store"
)

const (
	queueName           = "pool.collaborative"
	defaultPrefetch     = 4
	defaultStepTimeout  = 300 * time.Second
	defaultClarifyWait  = 300 * time.Second
)

// TaskPayload is the inbound payload for a collaborative task submission.
type TaskPayload struct {
	Goal string `json:"goal"`
}

// ResultPayload is the outbound payload for completed/failed plans.
type ResultPayload struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ClarificationPayload is the payload of a collaborative.clarification.provided event.
type ClarificationPayload struct {
	TaskID string `json:"task_id"`
	Reply  string `json:"reply"`
}

// stepPayload is the wire payload dispatched to a step's executor. Its
// shape intentionally matches internal/autonomous.TaskPayload's "prompt"
// field without importing that package, since the executor contract is
// "whatever discipline the agent mode implies", not a collaborative-owned
// type.
type stepPayload struct {
	Prompt string `json:"prompt"`
	TaskID string `json:"task_id"`
}

// ProviderFactory builds the planner's llmclient.Provider for a descriptor's
// resolved LLM config; llmclient.Factory satisfies this, tests substitute a
// fake to avoid real planner calls.
type ProviderFactory interface {
	New(ctx context.Context, llm config.LLMConfig) (llmclient.Provider, error)
}

// Pool implements orchestrator.Activator for COLLABORATIVE descriptors.
type Pool struct {
	registry  *config.Registry
	store     *store.Store
	bus       *bus.Bus
	orch      *orchestrator.Orchestrator
	submitter *orchestrator.Submitter
	factory   ProviderFactory
	logger    *slog.Logger
	notifier  slackgw.Notifier

	waiter     *waiter
	sub        *bus.Subscription
	waiterSub  *bus.Subscription
	clarifySub *bus.Subscription
}

// New wires a Pool using the real llmclient.Factory.
func New(registry *config.Registry, st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, logger *slog.Logger) *Pool {
	return NewWithFactory(registry, st, b, orch, llmclient.Factory{}, logger)
}

// NewWithFactory wires a Pool with an explicit ProviderFactory, used by
// tests to inject a fake planner provider.
func NewWithFactory(registry *config.Registry, st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, factory ProviderFactory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		registry:  registry,
		store:     st,
		bus:       b,
		orch:      orch,
		submitter: orchestrator.NewSubmitter(orch, st, b),
		factory:   factory,
		logger:    logger,
		notifier:  slackgw.NoopNotifier{},
		waiter:    newWaiter(),
	}
}

// SetNotifier wires an outbound Slack notifier for plan failures and
// clarification pauses; nil restores the no-op default.
func (p *Pool) SetNotifier(n slackgw.Notifier) {
	if n == nil {
		n = slackgw.NoopNotifier{}
	}
	p.notifier = n
}

// Activate subscribes the shared "pool.collaborative" queue, once, plus a
// waiter subscription over `*.task.completed`/`*.task.failed` and a
// clarification-reply subscription — all shared across every collaborative
// descriptor, matching the Autonomous Pool's single-shared-queue shape.
func (p *Pool) Activate(ctx context.Context, d *config.AgentDescriptor) error {
	if p.sub != nil {
		return nil
	}

	waiterSub, err := p.bus.Subscribe(ctx, queueName+".waiter", []string{"*.task.completed", "*.task.failed"}, p.waiter.handle, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		return fmt.Errorf("collaborative: subscribe waiter: %w", err)
	}

	clarifySub, err := p.bus.Subscribe(ctx, queueName+".clarification", []string{"collaborative.clarification.provided"}, p.handleClarification, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		return fmt.Errorf("collaborative: subscribe clarification: %w", err)
	}

	mainSub, err := p.bus.Subscribe(ctx, queueName, []string{"collaborative.task.submitted"}, p.Handle, bus.SubscribeOptions{
		Prefetch: defaultPrefetch,
	})
	if err != nil {
		return fmt.Errorf("collaborative: subscribe: %w", err)
	}

	p.sub = mainSub
	p.waiterSub = waiterSub
	p.clarifySub = clarifySub
	return nil
}

// Stop cancels all three subscriptions owned by this pool.
func (p *Pool) Stop(ctx context.Context, agentName string, drain time.Duration) error {
	if p.sub != nil {
		p.sub.Stop()
		p.sub = nil
	}
	if p.waiterSub != nil {
		p.waiterSub.Stop()
		p.waiterSub = nil
	}
	if p.clarifySub != nil {
		p.clarifySub.Stop()
		p.clarifySub = nil
	}
	return nil
}

func (p *Pool) handleClarification(ctx context.Context, ev bus.Event) bus.Result {
	var payload ClarificationPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.logger.Error("collaborative: undecodable clarification payload", "error", err)
		return bus.OK()
	}
	p.waiter.deliverClarification(payload.TaskID, payload.Reply)
	return bus.OK()
}

// Handle runs one collaborative task submission end to end: create the
// plan, run it, persist, publish the terminal event.
func (p *Pool) Handle(ctx context.Context, ev bus.Event) bus.Result {
	ctx = shared.WithTraceID(ctx, ev.TraceID)

	d, ok := p.registry.Get(ev.AgentName)
	if !ok || d.Mode != config.ModeCollaborative {
		return bus.FatalErr(fmt.Errorf("collaborative: agent %q missing or not collaborative", ev.AgentName))
	}

	var payload TaskPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return bus.FatalErr(fmt.Errorf("collaborative: invalid payload: %w", err))
	}

	taskID := ev.ExecutionID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	state := store.PlanRunState{TaskID: taskID, Status: store.PlanPlanning}
	if err := p.store.SavePlan(ctx, state); err != nil {
		return bus.FatalErr(fmt.Errorf("collaborative: persist initial plan: %w", err))
	}

	steps, err := p.plan(ctx, d, payload.Goal)
	if err != nil {
		p.failPlan(ctx, ev, taskID, err.Error())
		return bus.FatalErr(err)
	}

	state.Plan = steps
	state.Status = store.PlanRunning
	state.CurrentStep = 0
	if err := p.store.SavePlan(ctx, state); err != nil {
		return bus.FatalErr(fmt.Errorf("collaborative: persist planned run: %w", err))
	}

	clarifyTimeout := defaultClarifyWait
	if d.CollaborativeConfig.ClarificationTimeoutSeconds > 0 {
		clarifyTimeout = time.Duration(d.CollaborativeConfig.ClarificationTimeoutSeconds) * time.Second
	}

	if err := p.runSteps(ctx, &state, ev.TraceID, clarifyTimeout); err != nil {
		p.failPlan(ctx, ev, taskID, err.Error())
		return bus.FatalErr(err)
	}

	state.AggregatedResult = aggregate(state.Plan)
	state.Status = store.PlanCompleted
	if err := p.store.SavePlan(ctx, state); err != nil {
		p.logger.Error("collaborative: persist completed plan failed", "task_id", taskID, "error", err)
	}

	result, _ := json.Marshal(ResultPayload{Result: state.AggregatedResult})
	completedEv := bus.Event{
		EventID:     ev.EventID + ".completed",
		EventType:   "task.completed",
		Timestamp:   time.Now().UTC(),
		TraceID:     ev.TraceID,
		AgentName:   ev.AgentName,
		ExecutionID: taskID,
		Payload:     result,
	}
	if err := p.bus.Publish(ctx, "collaborative.task.completed", completedEv, true); err != nil {
		p.logger.Error("collaborative: publish completed event failed", "task_id", taskID, "error", err)
	}
	return bus.OK()
}

func (p *Pool) failPlan(ctx context.Context, ev bus.Event, taskID, reason string) {
	state, err := p.store.LoadPlan(ctx, taskID)
	if err != nil {
		state = &store.PlanRunState{TaskID: taskID}
	}
	state.Status = store.PlanFailed
	if err := p.store.SavePlan(ctx, *state); err != nil {
		p.logger.Error("collaborative: persist failed plan failed", "task_id", taskID, "error", err)
	}

	payload, _ := json.Marshal(ResultPayload{Error: reason})
	failedEv := bus.Event{
		EventID:     ev.EventID + ".failed",
		EventType:   "task.failed",
		Timestamp:   time.Now().UTC(),
		TraceID:     ev.TraceID,
		AgentName:   ev.AgentName,
		ExecutionID: taskID,
		Payload:     payload,
	}
	if err := p.bus.Publish(ctx, "collaborative.task.failed", failedEv, true); err != nil {
		p.logger.Error("collaborative: publish failed event failed", "task_id", taskID, "error", err)
	}
	if notifyErr := p.notifier.Notify(ctx, fmt.Sprintf("plan %s failed: %s", taskID, reason)); notifyErr != nil {
		p.logger.Error("collaborative: failure notify failed", "task_id", taskID, "error", notifyErr)
	}
}

func aggregate(steps []store.PlanStep) string {
	out := ""
	for i, step := range steps {
		if i > 0 {
			out += "\n"
		}
		out += step.Result
	}
	return out
}
