package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// writeJSON сериализует ответ. Ошибку кодирования чинить поздно:
// заголовки уже ушли.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError отображает таксономию доменных ошибок в HTTP-статусы.
// Тело — сама GovernanceError: класс, причина, нарушения.
func writeError(w http.ResponseWriter, err error) {
	var ge *domain.GovernanceError
	if !errors.As(err, &ge) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch ge.Class {
	case domain.ClassValidation:
		status = http.StatusBadRequest
	case domain.ClassPolicyDenied:
		status = http.StatusUnprocessableEntity
	case domain.ClassNotFound:
		status = http.StatusNotFound
	case domain.ClassForbidden:
		status = http.StatusForbidden
	case domain.ClassConflict:
		status = http.StatusConflict
	case domain.ClassUpstream:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ge)
}
