package collaborative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/store"
)

// clarifyMarker prefixes a step's result content when the executor requests
// a human clarification before the plan can continue. The wire schema for
// this marker is an Open Question resolution recorded in DESIGN.md.
const clarifyMarker = "CLARIFY:"

// runSteps executes state.Plan strictly in order: a plan never advances
// past current_step until the step's completion event is observed or it
// times out, persisting progress after every step.
func (p *Pool) runSteps(ctx context.Context, state *store.PlanRunState, traceID string, clarifyTimeout time.Duration) error {
	for state.CurrentStep < len(state.Plan) {
		step := &state.Plan[state.CurrentStep]

		content, clarifyQuestion, err := p.runStep(ctx, state.TaskID, traceID, step)
		if err != nil {
			step.Status = "failed"
			step.Error = err.Error()
			if saveErr := p.store.SavePlan(ctx, *state); saveErr != nil {
				p.logger.Error("collaborative: persist failed step failed", "task_id", state.TaskID, "error", saveErr)
			}
			return err
		}

		if clarifyQuestion != "" {
			state.Status = store.PlanWaitingClarification
			state.Clarification = &store.Clarification{Question: clarifyQuestion, Deadline: time.Now().Add(clarifyTimeout)}
			if err := p.store.SavePlan(ctx, *state); err != nil {
				return fmt.Errorf("collaborative: persist waiting-clarification state: %w", err)
			}
			if notifyErr := p.notifier.Notify(ctx, fmt.Sprintf(
				"plan %s needs clarification: %s", state.TaskID, clarifyQuestion,
			)); notifyErr != nil {
				p.logger.Error("collaborative: clarification notify failed", "task_id", state.TaskID, "error", notifyErr)
			}

			reply, err := p.waiter.awaitClarification(ctx, state.TaskID, clarifyTimeout)
			if err != nil {
				return err
			}
			state.Clarification.Reply = reply
			state.Status = store.PlanRunning

			step.Prompt = step.Prompt + "\n\nClarification: " + reply
			content, clarifyQuestion, err = p.runStep(ctx, state.TaskID, traceID, step)
			if err != nil {
				step.Status = "failed"
				step.Error = err.Error()
				if saveErr := p.store.SavePlan(ctx, *state); saveErr != nil {
					p.logger.Error("collaborative: persist failed step after clarification failed", "task_id", state.TaskID, "error", saveErr)
				}
				return err
			}
			if clarifyQuestion != "" {
				return fmt.Errorf("collaborative: step %s requested a second clarification, which is not supported", step.StepID)
			}
		}

		step.Status = "completed"
		step.Result = content
		state.CurrentStep++
		if err := p.store.SavePlan(ctx, *state); err != nil {
			return fmt.Errorf("collaborative: persist step progress: %w", err)
		}
	}
	return nil
}

// runStep dispatches one step to its executor agent and awaits completion,
// returning the step's result content, or a non-empty clarifyQuestion if
// the executor's response carries the clarification marker.
func (p *Pool) runStep(ctx context.Context, taskID, traceID string, step *store.PlanStep) (content string, clarifyQuestion string, err error) {
	timeout := defaultStepTimeout
	payload, err := json.Marshal(stepPayload{Prompt: step.Prompt, TaskID: taskID})
	if err != nil {
		return "", "", fmt.Errorf("collaborative: marshal step payload: %w", err)
	}

	executionID, err := p.dispatchStep(ctx, step.AgentName, step.StepID, traceID, payload)
	if err != nil {
		return "", "", fmt.Errorf("collaborative: dispatch step %s: %w", step.StepID, err)
	}
	step.ExecutionID = executionID
	step.Status = "running"

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := p.waiter.awaitStep(stepCtx, executionID)
	if err != nil {
		if timeoutErr := p.store.TimeoutExecution(ctx, executionID); timeoutErr != nil {
			p.logger.Error("collaborative: mark step execution timeout failed", "execution_id", executionID, "error", timeoutErr)
		}
		return "", "", err
	}
	if !res.ok {
		return "", "", fmt.Errorf("step failed: %s", res.errMsg)
	}

	if strings.HasPrefix(res.content, clarifyMarker) {
		return "", strings.TrimSpace(strings.TrimPrefix(res.content, clarifyMarker)), nil
	}
	return res.content, "", nil
}

// dispatchStep creates a QUEUED execution record and publishes a task event
// routed to the executor's discipline, tagging parent_event_id with the
// step id.
func (p *Pool) dispatchStep(ctx context.Context, agentName, stepID, traceID string, payload []byte) (string, error) {
	reg, ok := p.orch.Get(agentName)
	if !ok {
		return "", fmt.Errorf("executor %q not registered", agentName)
	}

	executionID := uuid.NewString()
	if err := p.store.AppendExecution(ctx, store.ExecutionRecord{
		ExecutionID: executionID,
		AgentName:   agentName,
		TraceID:     traceID,
		Status:      store.ExecutionQueued,
		SubmittedAt: time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("create execution record: %w", err)
	}

	ev := bus.Event{
		EventID:       uuid.NewString(),
		EventType:     "task.submitted",
		Timestamp:     time.Now().UTC(),
		TraceID:       traceID,
		ParentEventID: stepID,
		AgentName:     agentName,
		ExecutionID:   executionID,
		Payload:       payload,
	}
	if rc := reg.Descriptor.RetryConfig; rc != nil {
		ev.MaxRetries = rc.MaxRetries
	}
	if err := p.bus.Publish(ctx, reg.Descriptor.RoutingKey(), ev, true); err != nil {
		return "", fmt.Errorf("publish step event: %w", err)
	}
	return executionID, nil
}
