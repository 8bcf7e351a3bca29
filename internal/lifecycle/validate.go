package lifecycle

/*
Файл validate.go — схемная валидация агента на границе конечного автомата.
Вместо разрозненных ad-hoc проверок агент трактуется как вариант
Draft|Sandbox|Governed с обязательными полями своего состояния; каждое
следующее состояние — строгое надмножество требований предыдущего.
*/

import (
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// ValidateDraft — минимальные требования к черновику.
func ValidateDraft(a *domain.Agent) error {
	if a.Name == "" {
		return domain.Validation("agent name is required")
	}
	if a.Workspace == "" {
		return domain.Validation("workspace is required")
	}
	if !domain.KnownRole(a.Spec.Role) {
		return domain.Validation("unknown role class: " + string(a.Spec.Role))
	}
	return nil
}

// ValidateSandbox — SandboxAgent: черновик + системный промпт + модель.
func ValidateSandbox(a *domain.Agent) error {
	if err := ValidateDraft(a); err != nil {
		return err
	}
	if a.Spec.SystemPrompt == "" {
		return domain.Validation("system prompt is required for sandbox")
	}
	if a.Spec.Model == "" {
		return domain.Validation("model binding is required for sandbox")
	}
	return nil
}

// ValidateGoverned — GovernedAgent: sandbox-требования + метаданные
// промоушена + разрешимый proof.
func ValidateGoverned(a *domain.Agent, proof *domain.AgentProof) error {
	if err := ValidateSandbox(a); err != nil {
		return err
	}
	if a.PromotedAt == nil || a.PromotedBy == nil {
		return domain.Validation("governed agent requires promoted_at/promoted_by")
	}
	if proof == nil {
		return domain.Validation("governed agent requires a resolvable proof")
	}
	return nil
}
