package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spaceai-governance-core/internal/promotion"
)

type PromotionHandler struct {
	workflow *promotion.Workflow
}

func NewPromotionHandler(w *promotion.Workflow) *PromotionHandler {
	return &PromotionHandler{workflow: w}
}

// List — GET /v1/promotions (очередь PENDING для инбокса аппрувера)
func (h *PromotionHandler) List(w http.ResponseWriter, r *http.Request) {
	requests, err := h.workflow.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// Create — POST /v1/promotions
func (h *PromotionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string     `json:"agent_id"`
		Approvers   []string   `json:"approvers"`
		SLADeadline *time.Time `json:"sla_deadline,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	pr, err := h.workflow.CreateRequest(r.Context(), req.AgentID, req.Approvers, req.SLADeadline, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

// Approve — POST /v1/promotions/{id}/approve
func (h *PromotionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	json.NewDecoder(r.Body).Decode(&req) // Комментарий опционален

	if err := h.workflow.Approve(r.Context(), chi.URLParam(r, "id"), req.Comment, actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reject — POST /v1/promotions/{id}/reject
func (h *PromotionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.workflow.Reject(r.Context(), chi.URLParam(r, "id"), req.Comment, actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel — POST /v1/promotions/{id}/cancel
func (h *PromotionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.workflow.Cancel(r.Context(), chi.URLParam(r, "id"), req.Comment, actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Execute — POST /v1/promotions/{id}/execute
func (h *PromotionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	agent, proof, err := h.workflow.Execute(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "proof": proof})
}
