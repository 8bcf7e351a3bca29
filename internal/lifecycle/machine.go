package lifecycle

/*
Файл machine.go — конечный автомат жизненного цикла агента:

    draft -> sandbox -> governed -> disabled
                governed -> draft (fork, новый агент)

disabled — терминальное состояние, выхода из него нет. Каждый переход (и
каждая отклоненная попытка) добавляет строку в AgentHistory. Переход
governed делает только Promotion Workflow — здесь его нет сознательно.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
)

// Repository описывает требования автомата к хранилищу агентов
type Repository interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	UpdateTransition(ctx context.Context, a *domain.Agent, expectedVersion int64) error
	TouchSandboxExpiry(ctx context.Context, agentID string, until time.Time) error
}

type Machine struct {
	repo       Repository
	evaluator  policyclient.Evaluator
	trail      audit.Recorder
	logger     *zap.Logger
	policySet  string
	sandboxTTL time.Duration
}

func NewMachine(repo Repository, evaluator policyclient.Evaluator, trail audit.Recorder, policySet string, sandboxTTL time.Duration, logger *zap.Logger) *Machine {
	if sandboxTTL <= 0 {
		sandboxTTL = 72 * time.Hour
	}
	if policySet == "" {
		policySet = "default"
	}
	return &Machine{
		repo:       repo,
		evaluator:  evaluator,
		trail:      trail,
		logger:     logger.Named("lifecycle"),
		policySet:  policySet,
		sandboxTTL: sandboxTTL,
	}
}

// CreateDraftInput — входные данные createDraft.
type CreateDraftInput struct {
	Name      string           `json:"name"`
	OwnerTeam string           `json:"owner_team"`
	Workspace string           `json:"workspace"`
	Spec      domain.AgentSpec `json:"spec"`
}

// CreateDraft создает нового агента в состоянии draft.
func (m *Machine) CreateDraft(ctx context.Context, in CreateDraftInput, actor policyclient.Actor) (*domain.Agent, error) {
	a := &domain.Agent{
		ID:        uuid.New().String(),
		Name:      in.Name,
		OwnerTeam: in.OwnerTeam,
		Workspace: in.Workspace,
		State:     domain.StateDraft,
		Version:   1,
		Spec:      in.Spec,
		PolicySet: m.policySet,
	}
	if err := ValidateDraft(a); err != nil {
		return nil, err
	}

	// Политика может запретить само создание (hook различает намерение)
	pc, evalErr := m.evaluator.Evaluate(ctx, a, policyclient.HookCreateAttempt, actor)
	if pc.Denied() {
		return nil, m.denied(a, actor, audit.EventAttemptDenied, "draft creation denied by policy", pc, evalErr)
	}

	if err := m.repo.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	m.record(a, actor, audit.EventCreated, "", string(domain.StateDraft), "")
	m.logger.Info("draft created",
		zap.String("agent_id", a.ID),
		zap.String("workspace", a.Workspace))
	return a, nil
}

// MutateSpec правит спеку агента в draft/sandbox. Поля, замороженные
// политикой, неприкосновенны. Governed-агент неизменяем — только fork.
func (m *Machine) MutateSpec(ctx context.Context, agentID string, spec domain.AgentSpec, actor policyclient.Actor) (*domain.Agent, error) {
	a, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}

	switch a.State {
	case domain.StateDraft, domain.StateSandbox:
	default:
		return nil, domain.Forbidden(fmt.Sprintf("agent in state %s is immutable", a.State))
	}

	for _, field := range changedFields(a.Spec, spec) {
		if a.FieldLocked(field) {
			return nil, domain.Forbidden("field locked by policy: " + field)
		}
	}

	expected := a.Version
	a.Spec = spec
	if err := ValidateDraft(a); err != nil {
		return nil, err
	}
	if err := m.repo.UpdateTransition(ctx, a, expected); err != nil {
		return nil, err
	}

	m.record(a, actor, audit.EventSpecMutated, string(a.State), string(a.State), "")
	return a, nil
}

// AdmitToSandbox — переход draft -> sandbox.
// Guard: схема SandboxAgent + решение политики != deny.
func (m *Machine) AdmitToSandbox(ctx context.Context, agentID string, actor policyclient.Actor) (*domain.Agent, error) {
	a, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.State != domain.StateDraft {
		return nil, domain.Forbidden(fmt.Sprintf("cannot admit agent in state %s to sandbox", a.State))
	}
	if err := ValidateSandbox(a); err != nil {
		return nil, err
	}

	pc, evalErr := m.evaluator.Evaluate(ctx, a, policyclient.HookSandboxAttempt, actor)
	if pc.Denied() {
		return nil, m.denied(a, actor, audit.EventAttemptDenied, "sandbox admission denied by policy", pc, evalErr)
	}

	expected := a.Version
	expiry := time.Now().Add(m.sandboxTTL)
	a.State = domain.StateSandbox
	a.GovStatus = domain.GovSandbox
	a.SandboxExpiresAt = &expiry
	a.PolicyDigest = pc.PolicyDigest
	a.PolicySetHash = pc.PolicySetHash
	a.LockedFields = pc.LockedFields

	if err := m.repo.UpdateTransition(ctx, a, expected); err != nil {
		return nil, err
	}

	m.record(a, actor, audit.EventAdmittedToSandbox, string(domain.StateDraft), string(domain.StateSandbox), "")
	m.logger.Info("agent admitted to sandbox",
		zap.String("agent_id", a.ID),
		zap.Time("expires_at", expiry))
	return a, nil
}

// ExtendSandbox продлевает песочницу еще на один TTL от текущего момента.
// Протухшую песочницу не реанимируем: после истечения путь один — promote
// или disable.
func (m *Machine) ExtendSandbox(ctx context.Context, agentID string, actor policyclient.Actor) (*domain.Agent, error) {
	a, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.State != domain.StateSandbox {
		return nil, domain.Forbidden(fmt.Sprintf("cannot extend sandbox for agent in state %s", a.State))
	}
	now := time.Now()
	if a.SandboxExpired(now) {
		return nil, domain.Forbidden("sandbox already expired")
	}

	until := now.Add(m.sandboxTTL)
	if err := m.repo.TouchSandboxExpiry(ctx, a.ID, until); err != nil {
		return nil, err
	}
	a.SandboxExpiresAt = &until

	m.record(a, actor, audit.EventSandboxExtended, string(domain.StateSandbox), string(domain.StateSandbox), "")
	m.logger.Info("sandbox extended",
		zap.String("agent_id", a.ID),
		zap.Time("expires_at", until))
	return a, nil
}

// Disable — терминальный переход из любого не-disabled состояния.
// Причина обязательна, операция необратима.
func (m *Machine) Disable(ctx context.Context, agentID, reason string, actor policyclient.Actor) (*domain.Agent, error) {
	if reason == "" {
		return nil, domain.Validation("disable reason is required")
	}

	a, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.State == domain.StateDisabled {
		return nil, domain.Forbidden("agent is already disabled")
	}

	expected := a.Version
	oldState := a.State
	now := time.Now()
	a.State = domain.StateDisabled
	a.DisabledReason = &reason
	a.DisabledBy = &actor.ID
	a.DisabledAt = &now

	if err := m.repo.UpdateTransition(ctx, a, expected); err != nil {
		return nil, err
	}

	m.record(a, actor, audit.EventDisabled, string(oldState), string(domain.StateDisabled), reason)
	m.logger.Warn("agent disabled",
		zap.String("agent_id", a.ID),
		zap.String("reason", reason))
	return a, nil
}

// Fork — governed -> новый draft. Клонирует спеку, срезает метаданные
// промоушена и proof-привязку, сбрасывает версию. Исходный агент не трогаем.
func (m *Machine) Fork(ctx context.Context, agentID string, actor policyclient.Actor) (*domain.Agent, error) {
	src, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if src.State != domain.StateGoverned {
		return nil, domain.Forbidden("only governed agents can be forked")
	}

	clone := &domain.Agent{
		ID:        uuid.New().String(),
		Name:      src.Name + "-fork",
		OwnerTeam: src.OwnerTeam,
		Workspace: src.Workspace,
		State:     domain.StateDraft,
		Version:   1,
		Spec:      src.Spec,
		PolicySet: src.PolicySet,
	}
	if err := m.repo.CreateAgent(ctx, clone); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Event{
		AgentID:   clone.ID,
		Type:      audit.EventForked,
		Actor:     actor.ID,
		OldStatus: string(domain.StateGoverned),
		NewStatus: string(domain.StateDraft),
		Metadata:  map[string]any{"source_agent_id": src.ID},
	})
	return clone, nil
}

func (m *Machine) load(ctx context.Context, agentID string) (*domain.Agent, error) {
	a, err := m.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, domain.NotFound("agent " + agentID)
	}
	return a, nil
}

// denied фиксирует отклоненную попытку в журнале и возвращает ошибку.
// Аудит не молчит: запись делается до возврата.
func (m *Machine) denied(a *domain.Agent, actor policyclient.Actor, event audit.EventType, reason string, pc *domain.PolicyContext, evalErr error) error {
	m.trail.Record(audit.Event{
		AgentID:   a.ID,
		Type:      event,
		Actor:     actor.ID,
		OldStatus: string(a.State),
		NewStatus: string(a.State),
		Reason:    reason,
	})
	if evalErr != nil && domain.ClassOf(evalErr) == domain.ClassUpstream {
		return domain.Upstream(reason, evalErr)
	}
	return domain.PolicyDenied(reason, pc.Violations)
}

func (m *Machine) record(a *domain.Agent, actor policyclient.Actor, event audit.EventType, old, next, reason string) {
	m.trail.Record(audit.Event{
		AgentID:   a.ID,
		Type:      event,
		Actor:     actor.ID,
		OldStatus: old,
		NewStatus: next,
		Reason:    reason,
	})
}

// changedFields перечисляет governance-поля, различающиеся между спеками.
func changedFields(old, next domain.AgentSpec) []string {
	var fields []string
	if old.Role != next.Role {
		fields = append(fields, "role")
	}
	if old.SystemPrompt != next.SystemPrompt {
		fields = append(fields, "system_prompt")
	}
	if old.Model != next.Model {
		fields = append(fields, "model")
	}
	if !equalStrings(old.Capabilities, next.Capabilities) {
		fields = append(fields, "capabilities")
	}
	if old.Limits != next.Limits {
		fields = append(fields, "limits")
	}
	return fields
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
