package continuous_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/continuous"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/store"
)

type fakeProvider struct {
	response llmclient.CompleteResponse
	err      error
	calls    []llmclient.CompleteRequest
}

func (f *fakeProvider) Complete(ctx context.Context, req llmclient.CompleteRequest) (llmclient.CompleteResponse, error) {
	f.calls = append(f.calls, req)
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

func setup(t *testing.T, provider *fakeProvider) (*continuous.Pool, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
name: helper
mode: continuous
system_prompt: "You help, turn after turn."
llm:
  provider: anthropic
  model: claude-test
continuous_config:
  max_conversation_history: 4
  save_interval_seconds: 0
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
	d, _ := reg.Get("helper")
	orch.Register(d)

	pool := continuous.NewWithFactory(reg, st, b, orch, fakeFactory{provider: provider}, nil)
	return pool, st
}

func turnEvent(agent, msg string) bus.Event {
	payload, _ := json.Marshal(continuous.TaskPayload{Message: msg})
	return bus.Event{EventID: "e-" + msg, AgentName: agent, TraceID: "t1", Payload: payload}
}

func TestPool_Handle_PersistsStateAcrossTurns(t *testing.T) {
	provider := &fakeProvider{response: llmclient.CompleteResponse{Content: "ack"}}
	pool, st := setup(t, provider)
	ctx := context.Background()

	result := pool.Handle(ctx, turnEvent("helper", "hello"))
	if result.Outcome != bus.Ack {
		t.Fatalf("outcome = %v, want Ack", result.Outcome)
	}

	state, err := st.LoadContinuous(ctx, "helper")
	if err != nil {
		t.Fatalf("LoadContinuous: %v", err)
	}
	if len(state.Conversation) != 2 {
		t.Fatalf("conversation length = %d, want 2 (user+assistant)", len(state.Conversation))
	}
	if state.Version != 1 {
		t.Fatalf("version = %d, want 1 after first save", state.Version)
	}

	result = pool.Handle(ctx, turnEvent("helper", "again"))
	if result.Outcome != bus.Ack {
		t.Fatalf("second turn outcome = %v, want Ack", result.Outcome)
	}
	if len(provider.calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.calls))
	}
	// second call's messages must include the first turn's history, proving
	// the cache (not just durable storage) carried it forward.
	if len(provider.calls[1].Messages) < 2 {
		t.Fatalf("second call carried %d messages, want history included", len(provider.calls[1].Messages))
	}

	// The second turn lands inside save_interval_seconds, so it is only
	// flushed to durable storage on Stop (the idle-boundary trigger).
	if err := pool.Stop(ctx, "helper", 30*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	state, err = st.LoadContinuous(ctx, "helper")
	if err != nil {
		t.Fatalf("LoadContinuous after second turn: %v", err)
	}
	if len(state.Conversation) != 4 {
		t.Fatalf("conversation length after flush = %d, want 4 (two turns)", len(state.Conversation))
	}
	if state.Version != 2 {
		t.Fatalf("version = %d, want 2 after idle-boundary flush", state.Version)
	}
}

func TestPool_Handle_SlidingWindowBoundsHistory(t *testing.T) {
	provider := &fakeProvider{response: llmclient.CompleteResponse{Content: "ack"}}
	pool, st := setup(t, provider)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if result := pool.Handle(ctx, turnEvent("helper", "msg")); result.Outcome != bus.Ack {
			t.Fatalf("turn %d outcome = %v, want Ack", i, result.Outcome)
		}
	}
	if err := pool.Stop(ctx, "helper", 30*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	state, err := st.LoadContinuous(ctx, "helper")
	if err != nil {
		t.Fatalf("LoadContinuous: %v", err)
	}
	if len(state.Conversation) != 4 {
		t.Fatalf("conversation length = %d, want bounded to max_conversation_history=4", len(state.Conversation))
	}
}

func TestPool_Handle_UnknownAgentIsFatal(t *testing.T) {
	pool, _ := setup(t, &fakeProvider{})
	ctx := context.Background()

	result := pool.Handle(ctx, turnEvent("ghost", "hi"))
	if result.Outcome != bus.Fatal {
		t.Fatalf("outcome = %v, want Fatal", result.Outcome)
	}
}

func TestPool_Handle_RetryableProviderErrorIsRetried(t *testing.T) {
	provider := &fakeProvider{err: errTransient{}}
	pool, _ := setup(t, provider)
	ctx := context.Background()

	result := pool.Handle(ctx, turnEvent("helper", "hello"))
	if result.Outcome != bus.Retry {
		t.Fatalf("outcome = %v, want Retry", result.Outcome)
	}
}

type errTransient struct{}

func (errTransient) Error() string { return "503 service unavailable" }

func TestPool_Stop_FlushesDirtyCacheEntry(t *testing.T) {
	provider := &fakeProvider{response: llmclient.CompleteResponse{Content: "ack"}}
	pool, st := setup(t, provider)
	ctx := context.Background()

	if result := pool.Handle(ctx, turnEvent("helper", "hello")); result.Outcome != bus.Ack {
		t.Fatalf("outcome = %v, want Ack", result.Outcome)
	}

	if err := pool.Stop(ctx, "helper", 30*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := st.LoadContinuous(ctx, "helper"); err != nil {
		t.Fatalf("LoadContinuous after Stop: %v", err)
	}
}
