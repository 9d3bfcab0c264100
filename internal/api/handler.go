package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/showjihyun/agentrag/internal/governor"
	"github.com/showjihyun/agentrag/internal/orchestrator"
	"github.com/showjihyun/agentrag/internal/registry"
	"github.com/showjihyun/agentrag/internal/trace"
	"github.com/showjihyun/agentrag/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	engine   *workflow.Engine
	gov      *governor.Governor
	recorder trace.Recorder
	logger   *zap.Logger

	wfMu      sync.RWMutex
	workflows map[string]*workflow.Graph
}

// NewHandler creates a new API handler.
func NewHandler(
	reg *registry.Registry,
	orch *orchestrator.Orchestrator,
	engine *workflow.Engine,
	gov *governor.Governor,
	recorder trace.Recorder,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry:  reg,
		orch:      orch,
		engine:    engine,
		gov:       gov,
		recorder:  recorder,
		logger:    logger,
		workflows: make(map[string]*workflow.Graph),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Agent registry routes
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.deregisterAgent)
		r.Put("/agents/{id}/status", h.setAgentStatus)
		r.Put("/agents/{id}/load", h.updateAgentLoad)

		// Orchestration routes
		r.Post("/plan", h.planTasks)
		r.Post("/orchestrate", h.orchestrate)
		r.Post("/collaborate", h.collaborate)

		// Workflow routes
		r.Post("/workflows", h.compileWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/execute", h.executeWorkflow)

		// Execution trace routes
		r.Get("/executions/{id}/steps", h.executionSteps)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	h.wfMu.RLock()
	workflows := len(h.workflows)
	h.wfMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"agents":    len(h.registry.List(registry.Filter{})),
		"workflows": workflows,
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		Type:           registry.AgentType(r.URL.Query().Get("type")),
		Status:         registry.AgentStatus(r.URL.Query().Get("status")),
		Specialization: r.URL.Query().Get("specialization"),
		OnlyAvailable:  r.URL.Query().Get("available") == "true",
	}
	writeJSON(w, http.StatusOK, h.registry.List(f))
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var p registry.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := h.registry.Register(&p)
	created, _ := h.registry.Get(id)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Deregister(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, registry.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.registry.SetStatus(id, registry.AgentStatus(req.Status)); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type loadRequest struct {
	Delta float64 `json:"delta"`
}

func (h *Handler) updateAgentLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.registry.UpdateLoad(id, req.Delta); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	p, _ := h.registry.Get(id)
	writeJSON(w, http.StatusOK, p)
}

type orchestrateRequest struct {
	Tasks       []*orchestrator.Task     `json:"tasks"`
	Strategy    string                   `json:"strategy"`
	Constraints orchestrator.Constraints `json:"constraints"`
}

func (h *Handler) planTasks(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tasks are required"})
		return
	}

	tasks, plan, err := h.orch.Plan(req.Tasks, orchestrator.Strategy(req.Strategy), req.Constraints)
	if err != nil {
		status := http.StatusInternalServerError
		var cycleErr *orchestrator.CycleError
		if errors.As(err, &cycleErr) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"plan":  plan,
	})
}

func (h *Handler) orchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tasks are required"})
		return
	}

	rec, err := h.orch.Orchestrate(r.Context(), req.Tasks, orchestrator.Strategy(req.Strategy), req.Constraints)
	if err != nil {
		status := http.StatusInternalServerError
		var cycleErr *orchestrator.CycleError
		if errors.As(err, &cycleErr) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type collaborateRequest struct {
	Pattern    string                 `json:"pattern"`
	Tasks      []*orchestrator.Task   `json:"tasks"`
	Input      map[string]interface{} `json:"input"`
	TimeoutSec float64                `json:"timeout_sec"`
}

func (h *Handler) collaborate(w http.ResponseWriter, r *http.Request) {
	var req collaborateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutSec * float64(time.Second))
	spec, err := h.orch.Collaboration().BuildSpec(orchestrator.Pattern(req.Pattern), req.Tasks, timeout)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrUnknownPattern) || errors.Is(err, orchestrator.ErrNoParticipants) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.orch.Collaboration().Execute(r.Context(), spec, req.Input)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) compileWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.GraphDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	g, err := h.engine.Compile(&def)
	if err != nil {
		var compileErr *workflow.CompileError
		if errors.As(err, &compileErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":   "compilation failed",
				"reasons": compileErr.Reasons,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h.wfMu.Lock()
	h.workflows[g.ID] = g
	h.wfMu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     g.ID,
		"name":   g.Name,
		"entry":  g.Entry,
		"finish": g.FinishPoints(),
		"nodes":  len(g.Nodes),
	})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	h.wfMu.RLock()
	defer h.wfMu.RUnlock()
	out := make([]map[string]interface{}, 0, len(h.workflows))
	for _, g := range h.workflows {
		out = append(out, map[string]interface{}{
			"id":    g.ID,
			"name":  g.Name,
			"nodes": len(g.Nodes),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.wfMu.RLock()
	g, ok := h.workflows[id]
	h.wfMu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     g.ID,
		"name":   g.Name,
		"entry":  g.Entry,
		"finish": g.FinishPoints(),
		"nodes":  len(g.Nodes),
	})
}

type executeRequest struct {
	Input     map[string]interface{} `json:"input"`
	Variables map[string]interface{} `json:"variables"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.wfMu.RLock()
	g, ok := h.workflows[id]
	h.wfMu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ec := &workflow.ExecutionContext{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Input:     req.Input,
		Variables: req.Variables,
	}
	result, err := h.engine.Execute(r.Context(), g, ec)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, governor.ErrConcurrencyLimit) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) executionSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	steps := h.recorder.Steps(id)
	if steps == nil {
		steps = []*trace.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
