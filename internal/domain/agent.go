package domain

import "time"

// LifecycleState — состояние жизненного цикла агента.
type LifecycleState string

const (
	StateDraft    LifecycleState = "draft"    // Черновик, свободно редактируется
	StateSandbox  LifecycleState = "sandbox"  // Песочница с ограниченным сроком действия
	StateGoverned LifecycleState = "governed" // Сертифицирован политикой, конфигурация неизменна
	StateDisabled LifecycleState = "disabled" // Терминальное состояние, выхода нет
)

// GovernanceStatus — статус сертификации. Имеет смысл только для sandbox/governed.
type GovernanceStatus string

const (
	GovSandbox     GovernanceStatus = "SANDBOX"
	GovValid       GovernanceStatus = "GOVERNED_VALID"
	GovRestricted  GovernanceStatus = "GOVERNED_RESTRICTED"
	GovInvalidated GovernanceStatus = "GOVERNED_INVALIDATED"
)

// RoleClass — закрытый перечень ролей агента.
type RoleClass string

const (
	RoleRouter   RoleClass = "router"
	RolePlanner  RoleClass = "planner"
	RoleExecutor RoleClass = "executor"
	RoleReviewer RoleClass = "reviewer"
)

// KnownRole проверяет, входит ли роль в закрытый enum.
func KnownRole(r RoleClass) bool {
	switch r {
	case RoleRouter, RolePlanner, RoleExecutor, RoleReviewer:
		return true
	}
	return false
}

// ResourceLimits — лимиты исполнения, часть governance-конфигурации.
type ResourceLimits struct {
	MaxTokens       int     `json:"max_tokens"`
	MaxCallsPerHour int     `json:"max_calls_per_hour"`
	MaxBudgetUSD    float64 `json:"max_budget_usd"`
}

// AgentSpec — governance-значимое подмножество конфигурации агента.
// Именно этот объект хэшируется при выпуске proof и при каждой проверке допуска.
// Волатильные поля (таймстемпы, счетчики) сюда не входят принципиально.
type AgentSpec struct {
	Role         RoleClass      `json:"role"`
	SystemPrompt string         `json:"system_prompt"`
	Model        string         `json:"model"`          // Привязка к модели, e.g. "gpt-5-mini"
	Capabilities []string       `json:"capabilities"`   // Allowlist действий, e.g. "jira.ticket.create"
	Limits       ResourceLimits `json:"limits"`
}

type Agent struct {
	ID        string `json:"id"` // UUID
	Name      string `json:"name"`
	OwnerTeam string `json:"owner_team"`
	Workspace string `json:"workspace"` // Владеющий workspace, изоляция tenant'ов

	State     LifecycleState   `json:"lifecycle_state"`
	Version   int64            `json:"lifecycle_version"` // Монотонный счетчик для optimistic concurrency
	GovStatus GovernanceStatus `json:"governance_status"`

	Spec AgentSpec `json:"spec"`

	// Срез последней применённой политики
	PolicySet     string   `json:"policy_set"`
	PolicyDigest  string   `json:"policy_digest"`
	PolicySetHash string   `json:"policy_set_hash"`
	LockedFields  []string `json:"locked_fields"` // Поля, замороженные политикой

	SandboxExpiresAt *time.Time `json:"sandbox_expires_at,omitempty"`

	// Метаданные промоушена (только для governed)
	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	PromotedBy *string    `json:"promoted_by,omitempty"`

	// Метаданные отключения (только для disabled)
	DisabledReason *string    `json:"disabled_reason,omitempty"`
	DisabledBy     *string    `json:"disabled_by,omitempty"`
	DisabledAt     *time.Time `json:"disabled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SandboxExpired — истекла ли песочница на момент now.
func (a *Agent) SandboxExpired(now time.Time) bool {
	return a.State == StateSandbox && a.SandboxExpiresAt != nil && a.SandboxExpiresAt.Before(now)
}

// FieldLocked проверяет, заморожено ли поле политикой.
func (a *Agent) FieldLocked(name string) bool {
	for _, f := range a.LockedFields {
		if f == name {
			return true
		}
	}
	return false
}
