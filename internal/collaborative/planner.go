package collaborative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/store"
)

const plannerSystemPrompt = `You are a planning assistant. Given a goal, decompose it into an ordered
list of steps. Respond with JSON only, an array of objects each shaped
{"agent_name": "<executor>", "prompt": "<instruction for that agent>"}.
Use only agent names from the provided collaborator list.`

// plannedStep is the planner LLM's raw, unvalidated output shape.
type plannedStep struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt"`
}

// plan invokes the planner LLM call and validates its output against
// max_plan_steps and the registry.
func (p *Pool) plan(ctx context.Context, d *config.AgentDescriptor, goal string) ([]store.PlanStep, error) {
	provider, err := p.factory.New(ctx, d.LLM)
	if err != nil {
		return nil, fmt.Errorf("collaborative: planner provider: %w", err)
	}

	collaborators := d.CollaborativeConfig.PreferredCollaborators
	resp, err := provider.Complete(ctx, llmclient.CompleteRequest{
		SystemPrompt: plannerSystemPrompt,
		Messages: []llmclient.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Goal: %s\nAvailable collaborators: %s", goal, strings.Join(collaborators, ", ")),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("collaborative: planner call failed: %w", err)
	}

	var raw []plannedStep
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &raw); err != nil {
		return nil, fmt.Errorf("collaborative: planner produced unparseable plan: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("collaborative: planner produced zero steps")
	}

	maxSteps := d.CollaborativeConfig.MaxPlanSteps
	if len(raw) > maxSteps {
		return nil, fmt.Errorf("collaborative: plan has %d steps, exceeds max_plan_steps=%d", len(raw), maxSteps)
	}

	steps := make([]store.PlanStep, 0, len(raw))
	for i, s := range raw {
		agentName, err := p.resolveExecutor(s.AgentName, collaborators)
		if err != nil {
			return nil, fmt.Errorf("collaborative: step %d: %w", i, err)
		}
		steps = append(steps, store.PlanStep{
			StepID:    fmt.Sprintf("%s-step-%d", d.Name, i),
			AgentName: agentName,
			Prompt:    s.Prompt,
			Status:    "pending",
		})
	}
	return steps, nil
}

// resolveExecutor confirms the planner's chosen agent is registered, falling
// back to the first preferred collaborator that is registered when it isn't
// (the planner may paraphrase a role name rather than an exact agent name).
func (p *Pool) resolveExecutor(candidate string, preferred []string) (string, error) {
	if candidate != "" {
		if _, ok := p.registry.Get(candidate); ok {
			return candidate, nil
		}
	}
	for _, name := range preferred {
		if _, ok := p.registry.Get(name); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("no registered executor for %q among preferred_collaborators", candidate)
}
