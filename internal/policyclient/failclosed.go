package policyclient

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// FailClosed — единственная точка, через которую результат недоступности
// движка превращается в deny. Все вызовы политик в ядре идут через эту
// обертку; дублировать обработку транспортных ошибок на call-site'ах нельзя.
//
// Контракт: контекст в ответе всегда не nil и пригоден для принятия решения.
// При сбое он несет deny, а error классифицируется как upstream_unavailable,
// чтобы вызывающий мог отличить "политика запретила" от "движок недоступен".
type FailClosed struct {
	next   Evaluator
	logger *zap.Logger
}

func NewFailClosed(next Evaluator, logger *zap.Logger) *FailClosed {
	return &FailClosed{next: next, logger: logger.Named("fail-closed")}
}

func (f *FailClosed) Evaluate(ctx context.Context, agent *domain.Agent, hook Hook, actor Actor) (*domain.PolicyContext, error) {
	pc, err := f.next.Evaluate(ctx, agent, hook, actor)
	if err != nil {
		f.logger.Error("policy evaluation unavailable, failing closed",
			zap.String("agent_id", agentID(agent)),
			zap.String("hook", string(hook)),
			zap.Error(err))
		return denyContext("policy engine unavailable"), domain.Upstream("policy engine unreachable", err)
	}
	return pc, nil
}

func (f *FailClosed) Simulate(ctx context.Context, agent *domain.Agent, overrides map[string]any) (*domain.PolicyContext, error) {
	pc, err := f.next.Simulate(ctx, agent, overrides)
	if err != nil {
		f.logger.Error("policy simulation unavailable, failing closed",
			zap.String("agent_id", agentID(agent)),
			zap.Error(err))
		return denyContext("policy engine unavailable"), domain.Upstream("policy engine unreachable", err)
	}
	return pc, nil
}

func denyContext(message string) *domain.PolicyContext {
	return &domain.PolicyContext{
		Decision: domain.DecisionDeny,
		Violations: []domain.Violation{
			{Rule: "fail_closed", Message: message},
		},
		EvaluatedAt: time.Now(),
	}
}

func agentID(a *domain.Agent) string {
	if a == nil {
		return ""
	}
	return a.ID
}
