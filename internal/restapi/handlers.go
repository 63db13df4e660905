package restapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/meridian/internal/orchestrator"
)

// agentView is the JSON-friendly projection of an AgentRegistration.
type agentView struct {
	Name              string    `json:"name"`
	Mode              string    `json:"mode"`
	Status            string    `json:"status"`
	RestartCount      int       `json:"restart_count"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitempty"`
	ActiveExecutions  int       `json:"active_executions"`
	FailureReason     string    `json:"failure_reason,omitempty"`
}

func toAgentView(reg *orchestrator.AgentRegistration) agentView {
	return agentView{
		Name:             reg.Descriptor.Name,
		Mode:             string(reg.Descriptor.Mode),
		Status:           string(reg.Status),
		RestartCount:     reg.RestartCount,
		LastHeartbeat:    reg.LastHeartbeat,
		ActiveExecutions: reg.ActiveExecutions,
		FailureReason:    reg.FailureReason,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	regs := s.orch.List()
	views := make([]agentView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, toAgentView(reg))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reg, ok := s.orch.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(reg))
}

// submitRequest is the operator submission contract's input shape
//: {agent_name, payload, priority?, timeout_seconds?}.
type submitRequest struct {
	AgentName      string          `json:"agent_name"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
	TraceID     string `json:"trace_id"`
	Status      string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	executionID, err := s.submitter.Submit(r.Context(), orchestrator.Submission{
		AgentName: req.AgentName,
		Payload:   req.Payload,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	traceID := ""
	if s.store != nil {
		if rec, err := s.store.GetExecution(r.Context(), executionID); err == nil {
			traceID = rec.TraceID
		}
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ExecutionID: executionID,
		TraceID:     traceID,
		Status:      "QUEUED",
	})
}

type cancelResponse struct {
	Cancelled      bool   `json:"cancelled"`
	PreviousStatus string `json:"previous_status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "execution_id")
	previous, err := s.submitter.Cancel(r.Context(), executionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		Cancelled:      !previous.IsTerminal(),
		PreviousStatus: string(previous),
	})
}
