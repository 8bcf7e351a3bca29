package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-governance-core/internal/console/service"
)

type FreezeHandler struct {
	service *service.FreezeService
}

func NewFreezeHandler(s *service.FreezeService) *FreezeHandler {
	return &FreezeHandler{service: s}
}

// Enable — POST /v1/freeze: включить incident freeze.
func (h *FreezeHandler) Enable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.service.Enable(r.Context(), actor(r).ID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disable — DELETE /v1/freeze.
func (h *FreezeHandler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Disable(r.Context(), actor(r).ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status — GET /v1/freeze.
func (h *FreezeHandler) Status(w http.ResponseWriter, r *http.Request) {
	active, detail, err := h.service.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "detail": detail})
}
