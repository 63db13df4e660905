package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheFromClient(client)

	dbPath := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(dbPath, cache, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetState_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutState(ctx, "greeting", []byte("hello"), time.Minute, true); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	got, ok, err := s.GetState(ctx, "greeting")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !ok {
		t.Fatal("expected found")
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestStore_GetState_MissingKey(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetState(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestStore_PutState_CompressionBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exact := bytes.Repeat([]byte("a"), compressionThreshold)
	overBy1 := bytes.Repeat([]byte("b"), compressionThreshold+1)

	if err := s.PutState(ctx, "exact", exact, 0, true); err != nil {
		t.Fatalf("PutState exact: %v", err)
	}
	if err := s.PutState(ctx, "over", overBy1, 0, true); err != nil {
		t.Fatalf("PutState over: %v", err)
	}

	gotExact, _, err := s.GetState(ctx, "exact")
	if err != nil {
		t.Fatalf("GetState exact: %v", err)
	}
	if !bytes.Equal(gotExact, exact) {
		t.Error("exact-boundary payload not byte-identical after round-trip")
	}

	gotOver, _, err := s.GetState(ctx, "over")
	if err != nil {
		t.Fatalf("GetState over: %v", err)
	}
	if !bytes.Equal(gotOver, overBy1) {
		t.Error("over-threshold payload not byte-identical after round-trip")
	}
}

func TestStore_ExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := ExecutionRecord{
		ExecutionID: "exec-1",
		AgentName:   "q",
		TraceID:     "trace-1",
		Status:      ExecutionQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.AppendExecution(ctx, rec); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}
	if err := s.MarkRunning(ctx, "exec-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.CompleteExecution(ctx, "exec-1", []byte(`{"answer":"4"}`)); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != ExecutionCompleted {
		t.Errorf("status = %v, want COMPLETED", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected started_at and completed_at to be set")
	}
}

func TestStore_SaveContinuous_OptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := ContinuousAgentState{
		AgentName:    "c1",
		Conversation: []ConversationTurn{{Role: "user", Content: "A"}},
		Memory:       map[string]any{},
		EventCount:   1,
		LastActivity: time.Now().UTC(),
	}
	if err := s.SaveContinuous(ctx, state, 0); err != nil {
		t.Fatalf("SaveContinuous (create): %v", err)
	}

	loaded, err := s.LoadContinuous(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadContinuous: %v", err)
	}
	if loaded.Version != 1 {
		t.Fatalf("version = %d, want 1", loaded.Version)
	}

	// Stale write using an outdated expected_version must fail.
	stale := *loaded
	stale.Conversation = append(stale.Conversation, ConversationTurn{Role: "user", Content: "stale"})
	if err := s.SaveContinuous(ctx, stale, 0); err == nil {
		t.Fatal("expected ErrStaleVersion on outdated expected_version")
	}

	// Write using the correct expected_version succeeds and bumps version.
	fresh := *loaded
	fresh.Conversation = append(fresh.Conversation, ConversationTurn{Role: "assistant", Content: "B"})
	if err := s.SaveContinuous(ctx, fresh, loaded.Version); err != nil {
		t.Fatalf("SaveContinuous (update): %v", err)
	}
	reloaded, err := s.LoadContinuous(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadContinuous: %v", err)
	}
	if reloaded.Version != 2 {
		t.Errorf("version = %d, want 2", reloaded.Version)
	}
	if len(reloaded.Conversation) != 2 {
		t.Errorf("conversation length = %d, want 2", len(reloaded.Conversation))
	}
}

func TestStore_SaveLoadPlan_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := PlanRunState{
		TaskID: "task-1",
		Plan: []PlanStep{
			{StepID: "s1", AgentName: "e1", Status: "COMPLETED", Result: "r1"},
			{StepID: "s2", AgentName: "e2", Status: "RUNNING"},
		},
		CurrentStep: 1,
		Status:      PlanRunning,
	}
	if err := s.SavePlan(ctx, state); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	loaded, err := s.LoadPlan(ctx, "task-1")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if loaded.CurrentStep != 1 || loaded.Status != PlanRunning {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Plan) != 2 || loaded.Plan[0].StepID != "s1" {
		t.Errorf("plan steps not preserved: %+v", loaded.Plan)
	}
}
