package domain

import "time"

// PolicyDecision — решение внешнего движка политик.
type PolicyDecision string

const (
	DecisionAllow PolicyDecision = "allow"
	DecisionWarn  PolicyDecision = "warn"
	DecisionDeny  PolicyDecision = "deny"
)

// Violation — конкретное нарушение правила.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// PolicyContext — структурированный ответ движка политик на evaluate().
type PolicyContext struct {
	Decision   PolicyDecision `json:"decision"`
	Violations []Violation    `json:"violations"`
	Warnings   []string       `json:"warnings"`

	LockedFields []string       `json:"locked_fields"`
	Mutations    map[string]any `json:"mutations"` // Правки, которые политика навязывает спеке

	PolicyDigest  string    `json:"policy_digest"`
	PolicySetHash string    `json:"policy_set_hash"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// Decide — метод-интерпретатор. Гарантирует возврат валидного решения,
// даже если контекст не проинициализирован (Zero Trust).
func (c *PolicyContext) Decide() PolicyDecision {
	// nil-контекст (оценка не состоялась) — жесткий запрет
	if c == nil {
		return DecisionDeny
	}

	switch c.Decision {
	case DecisionAllow, DecisionWarn, DecisionDeny:
		return c.Decision
	}

	// Неизвестное или пустое решение трактуем как deny
	return DecisionDeny
}

// Denied — true, если результат оценки запрещает операцию.
func (c *PolicyContext) Denied() bool {
	return c.Decide() == DecisionDeny
}

// Clean — allow без единого нарушения и предупреждения.
func (c *PolicyContext) Clean() bool {
	return c.Decide() == DecisionAllow && len(c.Violations) == 0
}
