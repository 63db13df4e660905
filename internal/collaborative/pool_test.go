package collaborative_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/collaborative"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/store"
)

type fakeProvider struct {
	response llmclient.CompleteResponse
	err      error
}

func (f *fakeProvider) Complete(ctx context.Context, req llmclient.CompleteRequest) (llmclient.CompleteResponse, error) {
	return f.response, f.err
}
func (f *fakeProvider) Stream(ctx context.Context, req llmclient.CompleteRequest, onChunk func(llmclient.StreamChunk) error) error {
	return nil
}
func (f *fakeProvider) CountTokens(ctx context.Context, text string) (int, error) { return 0, nil }
func (f *fakeProvider) Cost(in, out int) float64                                 { return 0 }

type fakeFactory struct{ provider *fakeProvider }

func (f fakeFactory) New(ctx context.Context, llm config.LLMConfig) (llmclient.Provider, error) {
	return f.provider, nil
}

func setup(t *testing.T, planner *fakeProvider) (*collaborative.Pool, *config.Registry, *store.Store, *bus.Bus, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if err := os.WriteFile(filepath.Join(dir, "coordinator.yaml"), []byte(`
name: coordinator
mode: collaborative
system_prompt: "You coordinate."
llm:
  provider: anthropic
  model: claude-test
collaborative_config:
  preferred_collaborators: ["worker"]
  max_plan_steps: 3
  clarification_timeout_seconds: 1
`), 0o644); err != nil {
		t.Fatalf("write coordinator descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte(`
name: worker
mode: autonomous
system_prompt: "You execute one step."
llm:
  provider: anthropic
  model: claude-test
retry_config:
  max_retries: 1
`), 0o644); err != nil {
		t.Fatalf("write worker descriptor: %v", err)
	}

	reg := config.NewRegistry(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b, err := bus.Open(filepath.Join(t.TempDir(), "bus.db"), nil)
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	orch := orchestrator.New(nil, nil)
	coordinatorDesc, _ := reg.Get("coordinator")
	workerDesc, _ := reg.Get("worker")
	orch.Register(coordinatorDesc)
	orch.Register(workerDesc)

	pool := collaborative.NewWithFactory(reg, st, b, orch, fakeFactory{provider: planner}, nil)
	if err := pool.Activate(context.Background(), coordinatorDesc); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	t.Cleanup(func() { pool.Stop(context.Background(), "coordinator", 0) })

	return pool, reg, st, b, orch
}

// completesSteps drains execution records enqueued for worker and marks
// them completed with the given result, standing in for a live Autonomous
// Pool consumer.
func completeStep(t *testing.T, ctx context.Context, st *store.Store, b *bus.Bus, agentName, traceID, result string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		recs, err := st.ListExecutionsByAgent(ctx, agentName, 10)
		if err != nil {
			t.Fatalf("ListExecutionsByAgent: %v", err)
		}
		for _, rec := range recs {
			if rec.Status == store.ExecutionQueued {
				if err := st.MarkRunning(ctx, rec.ExecutionID); err != nil {
					t.Fatalf("MarkRunning: %v", err)
				}
				payload, _ := json.Marshal(map[string]string{"result": result})
				if err := st.CompleteExecution(ctx, rec.ExecutionID, payload); err != nil {
					t.Fatalf("CompleteExecution: %v", err)
				}
				ev := bus.Event{
					EventID:     rec.ExecutionID + ".completed",
					EventType:   "task.completed",
					Timestamp:   time.Now().UTC(),
					TraceID:     traceID,
					AgentName:   agentName,
					ExecutionID: rec.ExecutionID,
					Payload:     payload,
				}
				if err := b.Publish(ctx, "autonomous.task.completed", ev, true); err != nil {
					t.Fatalf("Publish: %v", err)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no QUEUED execution for %s appeared within %s", agentName, timeout)
}

func TestPool_Handle_SingleStepPlanCompletes(t *testing.T) {
	planner := &fakeProvider{response: llmclient.CompleteResponse{
		Content: `[{"agent_name":"worker","prompt":"do the thing"}]`,
	}}
	pool, _, st, b, _ := setup(t, planner)
	ctx := context.Background()

	payload, _ := json.Marshal(collaborative.TaskPayload{Goal: "get it done"})
	ev := bus.Event{EventID: "e1", AgentName: "coordinator", TraceID: "t1", ExecutionID: "task-1", Payload: payload}

	done := make(chan bus.Result, 1)
	go func() { done <- pool.Handle(ctx, ev) }()

	completeStep(t, ctx, st, b, "worker", "t1", "step done", 2*time.Second)

	select {
	case result := <-done:
		if result.Outcome != bus.Ack {
			t.Fatalf("outcome = %v, want Ack", result.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return in time")
	}

	plan, err := st.LoadPlan(ctx, "task-1")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if plan.Status != store.PlanCompleted {
		t.Fatalf("plan status = %v, want COMPLETED", plan.Status)
	}
	if plan.AggregatedResult != "step done" {
		t.Fatalf("aggregated result = %q, want %q", plan.AggregatedResult, "step done")
	}
}

func TestPool_Handle_PlanExceedingMaxStepsIsFatal(t *testing.T) {
	planner := &fakeProvider{response: llmclient.CompleteResponse{
		Content: `[{"agent_name":"worker","prompt":"a"},{"agent_name":"worker","prompt":"b"},
{"agent_name":"worker","prompt":"c"},{"agent_name":"worker","prompt":"d"}]`,
	}}
	pool, _, st, _, _ := setup(t, planner)
	ctx := context.Background()

	payload, _ := json.Marshal(collaborative.TaskPayload{Goal: "too big"})
	ev := bus.Event{EventID: "e2", AgentName: "coordinator", TraceID: "t2", ExecutionID: "task-2", Payload: payload}

	result := pool.Handle(ctx, ev)
	if result.Outcome != bus.Fatal {
		t.Fatalf("outcome = %v, want Fatal", result.Outcome)
	}

	plan, err := st.LoadPlan(ctx, "task-2")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if plan.Status != store.PlanFailed {
		t.Fatalf("plan status = %v, want FAILED", plan.Status)
	}
}

func TestPool_Handle_UnparseablePlanIsFatal(t *testing.T) {
	planner := &fakeProvider{response: llmclient.CompleteResponse{Content: "not json"}}
	pool, _, _, _, _ := setup(t, planner)
	ctx := context.Background()

	payload, _ := json.Marshal(collaborative.TaskPayload{Goal: "whatever"})
	ev := bus.Event{EventID: "e3", AgentName: "coordinator", TraceID: "t3", ExecutionID: "task-3", Payload: payload}

	result := pool.Handle(ctx, ev)
	if result.Outcome != bus.Fatal {
		t.Fatalf("outcome = %v, want Fatal", result.Outcome)
	}
}
