package policyclient

/*
Файл client.go — RPC-клиент внешнего движка политик. Движок для ядра опак:
мы отправляем {agent, hook, actor} и получаем структурированное решение.
Агент — динамический объект, поэтому обмен идет через structpb без
сгенерированного кода: вызываем метод напрямую через conn.Invoke.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
)

// Hook идентифицирует точку вызова, чтобы правила могли различать намерение.
type Hook string

const (
	HookCreateAttempt    Hook = "on_create_attempt"
	HookSandboxAttempt   Hook = "on_sandbox_attempt"
	HookPromotionAttempt Hook = "on_promotion_attempt"
	HookRevalidate       Hook = "on_revalidate"

	// HookBeforeExecute зарезервирован за внешним рантаймом агентов.
	// Ядро на hot path допуска движок политик не вызывает.
	HookBeforeExecute Hook = "before_execute"
)

// Actor — от чьего имени выполняется операция.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemActor используется фоновыми задачами (hot-reload каскад).
var SystemActor = Actor{ID: "system", Role: "system"}

// Evaluator — контракт оценки политик для всего ядра.
type Evaluator interface {
	Evaluate(ctx context.Context, agent *domain.Agent, hook Hook, actor Actor) (*domain.PolicyContext, error)
	// Simulate выполняет ту же оценку против гипотетических значений политики,
	// ничего не персистя (what-if инструментарий).
	Simulate(ctx context.Context, agent *domain.Agent, overrides map[string]any) (*domain.PolicyContext, error)
}

const (
	methodEvaluate = "/policy.v1.PolicyEvaluator/Evaluate"
	methodSimulate = "/policy.v1.PolicyEvaluator/Simulate"
)

// GRPCClient ходит в движок политик по gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration // Рекомендуемый предел 2-5s, держать lock через этот вызов нельзя
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewGRPCClient(conn *grpc.ClientConn, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *GRPCClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &GRPCClient{
		conn:    conn,
		timeout: timeout,
		metrics: m,
		logger:  logger.Named("policy-client"),
	}
}

func (c *GRPCClient) Evaluate(ctx context.Context, agent *domain.Agent, hook Hook, actor Actor) (*domain.PolicyContext, error) {
	req, err := evaluateRequest(agent, hook, actor, nil)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, methodEvaluate, hook, req)
}

func (c *GRPCClient) Simulate(ctx context.Context, agent *domain.Agent, overrides map[string]any) (*domain.PolicyContext, error) {
	req, err := evaluateRequest(agent, HookPromotionAttempt, SystemActor, overrides)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, methodSimulate, HookPromotionAttempt, req)
}

func (c *GRPCClient) invoke(ctx context.Context, method string, hook Hook, req *structpb.Struct) (*domain.PolicyContext, error) {
	// Защитный таймаут на уровне вызова, даже если выше стоит свой
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp := &structpb.Struct{}
	err := c.conn.Invoke(ctx, method, req, resp)
	c.metrics.PolicyCallDuration.WithLabelValues(string(hook)).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, fmt.Errorf("policy engine call failed: %w", err)
	}

	return parseContext(resp)
}

// evaluateRequest собирает {agent, hook, actor} в динамическую структуру.
func evaluateRequest(agent *domain.Agent, hook Hook, actor Actor, overrides map[string]any) (*structpb.Struct, error) {
	// Через JSON, чтобы не дублировать маппинг доменных полей вручную
	raw, err := json.Marshal(map[string]any{
		"agent": agent,
		"hook":  string(hook),
		"actor": map[string]any{"id": actor.ID, "role": actor.Role},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evaluate request: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evaluate request: %w", err)
	}
	if overrides != nil {
		m["overrides"] = overrides
	}

	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}
	return st, nil
}

// parseContext разбирает динамический ответ движка в PolicyContext.
func parseContext(resp *structpb.Struct) (*domain.PolicyContext, error) {
	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy response: %w", err)
	}

	var pc domain.PolicyContext
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("failed to decode policy response: %w", err)
	}
	if pc.EvaluatedAt.IsZero() {
		pc.EvaluatedAt = time.Now()
	}
	return &pc, nil
}
