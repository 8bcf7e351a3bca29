package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Статусы State Machine заявки на промоушен
type PromotionStatus string

const (
	PromotionPending   PromotionStatus = "PENDING"
	PromotionApproved  PromotionStatus = "APPROVED"
	PromotionRejected  PromotionStatus = "REJECTED"
	PromotionExecuted  PromotionStatus = "EXECUTED"
	PromotionCancelled PromotionStatus = "CANCELLED"
)

var (
	ErrInvalidTransition = errors.New("invalid promotion status transition")
	ErrAlreadyProcessed  = errors.New("promotion request already processed")
)

// PromotionRequest — заявка Human-in-the-loop на перевод sandbox -> governed.
// SLA deadline — справочная метаданная для эскалаций, движком не форсируется.
type PromotionRequest struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Workspace string `json:"workspace"`
	Requester string `json:"requester"`

	Status    PromotionStatus `json:"status"`
	Approvers []string        `json:"approvers"` // Назначенный круг, достаточно любого одного

	// Снапшот diff/валидации, снятый в момент создания заявки
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	SLADeadline     *time.Time `json:"sla_deadline,omitempty"`
	EscalationCount int        `json:"escalation_count"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата:
// pending -> approved|rejected; approved -> executed; любой нетерминальный -> cancelled.
func (r *PromotionRequest) CanTransitionTo(next PromotionStatus) error {
	switch next {
	case PromotionApproved, PromotionRejected:
		if r.Status != PromotionPending {
			return ErrAlreadyProcessed
		}
	case PromotionExecuted:
		if r.Status != PromotionApproved {
			return ErrInvalidTransition
		}
	case PromotionCancelled:
		if r.Terminal() {
			return ErrAlreadyProcessed
		}
	default:
		return ErrInvalidTransition
	}
	return nil
}

// Terminal — достигла ли заявка конечного статуса.
func (r *PromotionRequest) Terminal() bool {
	switch r.Status {
	case PromotionRejected, PromotionExecuted, PromotionCancelled:
		return true
	}
	return false
}

// HasApprover проверяет право актора принимать решение по заявке.
func (r *PromotionRequest) HasApprover(actorID string) bool {
	for _, a := range r.Approvers {
		if a == actorID {
			return true
		}
	}
	return false
}
