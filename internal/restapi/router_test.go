package restapi_test

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/restapi"
	"github.com/basket/meridian/internal/store"
)

func setup(t *testing.T) *restapi.Server {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if err := os.WriteFile(filepath.Join(dir, "triager.yaml"), []byte(`
name: triager
mode: autonomous
system_prompt: "You triage."
llm:
  provider: anthropic
  model: claude-test
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

	submitter := orchestrator.NewSubmitter(orch, st, b)
	return restapi.New(orch, submitter, st, nil)
}

func TestServer_ListAgents(t *testing.T) {
	srv := setup(t)
	req := httptest.NewRequest("GET", "/v1/agents", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var agents []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(agents) != 1 || agents[0]["name"] != "triager" {
		t.Fatalf("agents = %+v, want one entry named triager", agents)
	}
}

func TestServer_GetAgent_NotFound(t *testing.T) {
	srv := setup(t)
	req := httptest.NewRequest("GET", "/v1/agents/ghost", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServer_SubmitAndCancel(t *testing.T) {
	srv := setup(t)

	body, _ := json.Marshal(map[string]any{"agent_name": "triager", "payload": map[string]string{"prompt": "hi"}})
	req := httptest.NewRequest("POST", "/v1/executions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != 202 {
		t.Fatalf("submit status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	var submitResp struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitResp.Status != "QUEUED" || submitResp.ExecutionID == "" {
		t.Fatalf("submit response = %+v", submitResp)
	}

	cancelReq := httptest.NewRequest("POST", "/v1/executions/"+submitResp.ExecutionID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	srv.ServeHTTP(cancelRec, cancelReq)

	if cancelRec.Code != 200 {
		t.Fatalf("cancel status = %d, want 200, body=%s", cancelRec.Code, cancelRec.Body.String())
	}
	var cancelResp struct {
		Cancelled      bool   `json:"cancelled"`
		PreviousStatus string `json:"previous_status"`
	}
	if err := json.Unmarshal(cancelRec.Body.Bytes(), &cancelResp); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if !cancelResp.Cancelled || cancelResp.PreviousStatus != "QUEUED" {
		t.Fatalf("cancel response = %+v", cancelResp)
	}
}

func TestServer_Submit_UnknownAgentRejected(t *testing.T) {
	srv := setup(t)
	body, _ := json.Marshal(map[string]any{"agent_name": "ghost", "payload": map[string]string{}})
	req := httptest.NewRequest("POST", "/v1/executions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != 422 {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}
