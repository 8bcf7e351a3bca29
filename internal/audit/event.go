package audit

import "time"

// EventType — тип события в журнале AgentHistory.
type EventType string

const (
	EventCreated            EventType = "created"
	EventSpecMutated        EventType = "spec_mutated"
	EventAdmittedToSandbox  EventType = "admitted_to_sandbox"
	EventSandboxExtended    EventType = "sandbox_extended"
	EventPromotionRequested EventType = "promotion_requested"
	EventPromotionApproved  EventType = "promotion_approved"
	EventPromotionRejected  EventType = "promotion_rejected"
	EventPromotionCancelled EventType = "promotion_cancelled"
	EventPromoted           EventType = "promoted"
	EventForked             EventType = "forked"
	EventDisabled           EventType = "disabled"
	EventRevalidated        EventType = "revalidated"
	EventInvalidated        EventType = "invalidated"
	EventRestricted         EventType = "restricted"
	EventTamperFlagged      EventType = "tamper_flagged"
	EventAdmissionDenied    EventType = "admission_denied"
	EventAttemptDenied      EventType = "attempt_denied" // Отклоненная попытка перехода
)

// Event — одна строка журнала AgentHistory. Append-only: никогда не
// обновляется и не удаляется. Одна строка на каждое state-affecting действие,
// включая отклоненные попытки — аудит не молчит.
type Event struct {
	ID      string `json:"id"` // UUID события
	TraceID string `json:"trace_id"`
	AgentID string `json:"agent_id"`

	Type  EventType `json:"type"`
	Actor string    `json:"actor"`

	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
