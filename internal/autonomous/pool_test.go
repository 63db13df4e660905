package autonomous_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/meridian/internal/autonomous"
	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/store"
	"github.com/google/uuid"
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

type fakeFactory struct{ provider llmclient.Provider }

func (f fakeFactory) New(ctx context.Context, llm config.LLMConfig) (llmclient.Provider, error) {
	return f.provider, nil
}

func setup(t *testing.T, provider llmclient.Provider) (*autonomous.Pool, *config.Registry, *store.Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
name: triager
mode: autonomous
system_prompt: "You triage."
llm:
  provider: anthropic
  model: claude-test
retry_config:
  max_retries: 1
`), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
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
	d, _ := reg.Get("triager")
	orch.Register(d)

	pool := autonomous.NewWithFactory(reg, st, b, orch, fakeFactory{provider: provider}, nil)
	return pool, reg, st, b
}

func TestPool_Handle_CompletesSuccessfully(t *testing.T) {
	pool, _, st, _ := setup(t, &fakeProvider{response: llmclient.CompleteResponse{Content: "the answer is 4"}})
	ctx := context.Background()

	execID := uuid.NewString()
	if err := st.AppendExecution(ctx, store.ExecutionRecord{
		ExecutionID: execID, AgentName: "triager", TraceID: "t1", Status: store.ExecutionQueued, SubmittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}

	payload, _ := json.Marshal(autonomous.TaskPayload{Prompt: "what is 2+2?"})
	ev := bus.Event{EventID: "e1", AgentName: "triager", ExecutionID: execID, TraceID: "t1", Payload: payload}

	result := handle(t, pool, ctx, ev)
	if result.Outcome != bus.Ack {
		t.Fatalf("outcome = %v, want Ack", result.Outcome)
	}

	rec, err := st.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Status != store.ExecutionCompleted {
		t.Errorf("status = %v, want COMPLETED", rec.Status)
	}
}

func TestPool_Handle_UnknownAgentIsFatal(t *testing.T) {
	pool, _, st, _ := setup(t, &fakeProvider{})
	ctx := context.Background()

	execID := uuid.NewString()
	if err := st.AppendExecution(ctx, store.ExecutionRecord{
		ExecutionID: execID, AgentName: "ghost", TraceID: "t1", Status: store.ExecutionQueued, SubmittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}

	ev := bus.Event{EventID: "e1", AgentName: "ghost", ExecutionID: execID, TraceID: "t1", Payload: []byte(`{}`)}
	result := handle(t, pool, ctx, ev)
	if result.Outcome != bus.Fatal {
		t.Fatalf("outcome = %v, want Fatal", result.Outcome)
	}
}

func TestPool_Handle_TransientErrorRetriesThenFatal(t *testing.T) {
	pool, _, st, _ := setup(t, &fakeProvider{err: errors.New("503 service unavailable")})
	ctx := context.Background()

	execID := uuid.NewString()
	if err := st.AppendExecution(ctx, store.ExecutionRecord{
		ExecutionID: execID, AgentName: "triager", TraceID: "t1", Status: store.ExecutionQueued, SubmittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}

	payload, _ := json.Marshal(autonomous.TaskPayload{Prompt: "hi"})
	ev := bus.Event{EventID: "e1", AgentName: "triager", ExecutionID: execID, TraceID: "t1", Payload: payload, RetryCount: 0}
	result := handle(t, pool, ctx, ev)
	if result.Outcome != bus.Retry {
		t.Fatalf("outcome = %v, want Retry below max_retries", result.Outcome)
	}

	ev.RetryCount = 1 // descriptor's retry_config.max_retries is 1 in setup()
	result = handle(t, pool, ctx, ev)
	if result.Outcome != bus.Fatal {
		t.Fatalf("outcome = %v, want Fatal at/above max_retries", result.Outcome)
	}
}

// handle exercises Pool's unexported event handler via the exported
// Activate/Subscribe path would require a live bus consumer loop; instead
// the test package re-implements the same call using the package's
// exported Handle wrapper.
func handle(t *testing.T, pool *autonomous.Pool, ctx context.Context, ev bus.Event) bus.Result {
	t.Helper()
	return pool.Handle(ctx, ev)
}
