package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance-core/internal/lifecycle"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
	"github.com/xela07ax/spaceai-governance-core/internal/promotion"
)

// Directory — read-only доступ к агентам и их журналу для консоли.
type Directory interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context, workspace string) ([]*domain.Agent, error)
	ListHistory(ctx context.Context, agentID string, limit int) ([]audit.Event, error)
}

type AgentHandler struct {
	machine  *lifecycle.Machine
	workflow *promotion.Workflow
	dir      Directory
}

func NewAgentHandler(machine *lifecycle.Machine, workflow *promotion.Workflow, dir Directory) *AgentHandler {
	return &AgentHandler{machine: machine, workflow: workflow, dir: dir}
}

func actor(r *http.Request) policyclient.Actor {
	id, role := auth.ActorFromContext(r.Context())
	return policyclient.Actor{ID: id, Role: role}
}

// Create — POST /v1/agents
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateDraftInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	a, err := h.machine.CreateDraft(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// List — GET /v1/agents?workspace=ws-1
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.dir.ListAgents(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// Get — GET /v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.dir.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		writeError(w, domain.NotFound("agent"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// MutateSpec — PUT /v1/agents/{id}/spec
func (h *AgentHandler) MutateSpec(w http.ResponseWriter, r *http.Request) {
	var spec domain.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	a, err := h.machine.MutateSpec(r.Context(), chi.URLParam(r, "id"), spec, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Sandbox — POST /v1/agents/{id}/sandbox
func (h *AgentHandler) Sandbox(w http.ResponseWriter, r *http.Request) {
	a, err := h.machine.AdmitToSandbox(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ExtendSandbox — POST /v1/agents/{id}/sandbox/extend
func (h *AgentHandler) ExtendSandbox(w http.ResponseWriter, r *http.Request) {
	a, err := h.machine.ExtendSandbox(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Promote — POST /v1/agents/{id}/promote (режим direct)
func (h *AgentHandler) Promote(w http.ResponseWriter, r *http.Request) {
	a, proof, err := h.workflow.Promote(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": a, "proof": proof})
}

// Fork — POST /v1/agents/{id}/fork
func (h *AgentHandler) Fork(w http.ResponseWriter, r *http.Request) {
	clone, err := h.machine.Fork(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

// Disable — POST /v1/agents/{id}/disable
func (h *AgentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	a, err := h.machine.Disable(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// History — GET /v1/agents/{id}/history?limit=50
func (h *AgentHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := h.dir.ListHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
