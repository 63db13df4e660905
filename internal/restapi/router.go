// Package restapi implements the operator-convenience REST surface: a
// read-only status view of the Orchestrator plus submit/cancel endpoints
// over orchestrator.Submitter. It is an external-collaborator boundary,
// not a driver of orchestration logic — every handler delegates to
// already-built components.
package restapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/basket/meridian/internal/metrics"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/store"
)

// Server wires the operator REST API over the already-built Orchestrator
// and Submitter.
type Server struct {
	orch      *orchestrator.Orchestrator
	submitter *orchestrator.Submitter
	store     *store.Store
	metrics   *metrics.Registry
	router    chi.Router
}

// New builds a Server with all routes mounted. metricsReg is optional; if
// non-nil, /metrics is mounted alongside the operator routes.
func New(orch *orchestrator.Orchestrator, submitter *orchestrator.Submitter, st *store.Store, metricsReg *metrics.Registry) *Server {
	s := &Server{orch: orch, submitter: submitter, store: st, metrics: metricsReg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/{name}", s.handleGetAgent)
	})
	r.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Post("/{execution_id}/cancel", s.handleCancel)
	})
	if metricsReg != nil {
		r.Get("/metrics", metricsReg.Handler().ServeHTTP)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler so Server can be passed directly to
// http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
