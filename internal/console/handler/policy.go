package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/hotreload"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
)

type PolicyHandler struct {
	coordinator *hotreload.Coordinator
	evaluator   policyclient.Evaluator
	dir         Directory
	defaultSet  string
}

func NewPolicyHandler(c *hotreload.Coordinator, evaluator policyclient.Evaluator, dir Directory, defaultSet string) *PolicyHandler {
	return &PolicyHandler{coordinator: c, evaluator: evaluator, dir: dir, defaultSet: defaultSet}
}

func (h *PolicyHandler) policySet(r *http.Request) string {
	if set := r.URL.Query().Get("set"); set != "" {
		return set
	}
	return h.defaultSet
}

// Reload — POST /v1/policies/reload: установка нового бандла.
// Каскад ревалидации запустит плоскость данных по сигналу.
func (h *PolicyHandler) Reload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicySet string          `json:"policy_set"`
		Bundle    json.RawMessage `json:"bundle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.PolicySet == "" {
		req.PolicySet = h.defaultSet
	}

	pv, err := h.coordinator.Install(r.Context(), req.PolicySet, req.Bundle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pv)
}

// Revalidate — POST /v1/policies/revalidate: ручной запуск каскада.
func (h *PolicyHandler) Revalidate(w http.ResponseWriter, r *http.Request) {
	summary, err := h.coordinator.Revalidate(r.Context(), h.policySet(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Simulate — POST /v1/policies/simulate: what-if оценка без персиста.
func (h *PolicyHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string         `json:"agent_id"`
		Overrides map[string]any `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	a, err := h.dir.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		writeError(w, domain.NotFound("agent"))
		return
	}

	pc, err := h.evaluator.Simulate(r.Context(), a, req.Overrides)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}
