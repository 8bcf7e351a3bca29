package hotreload

/*
Файл coordinator.go — горячая перезагрузка бандла политик и каскадная
ревалидация governed-агентов.

Install() переключает current-версию одной транзакцией ДО начала
ревалидации: конкурентные проверки допуска в любой момент видят ровно
одну current-версию. Revalidate() гонит популяцию агентов через движок
политик пулом воркеров; каждый агент трогает только свою строку, поэтому
воркеры независимы. Обработанные агенты отмечаются в чекпоинте — рестарт
каскада доделывает хвост, а не начинает сначала.
*/

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
)

// Repository — срез хранилища, нужный координатору.
type Repository interface {
	// InsertPolicyVersion сам назначает номер версии внутри набора;
	// при гонке конкурентных установок возвращает Conflict.
	InsertPolicyVersion(ctx context.Context, pv *domain.PolicyVersion) error
	SetCurrent(ctx context.Context, policySet, versionID string) error
	GetCurrentPolicyVersion(ctx context.Context, policySet string) (*domain.PolicyVersion, error)
	ListGovernedByPolicySet(ctx context.Context, policySet string) ([]*domain.Agent, error)
	UpdateGovernanceStatus(ctx context.Context, agentID string, status domain.GovernanceStatus) error
	AppendInvalidated(ctx context.Context, versionID, agentID string, rec domain.InvalidationRecord) error
}

// Checkpoint отслеживает уже обработанных агентов каскада.
// Делает рестарт ревалидации идемпотентным.
type Checkpoint interface {
	Done(ctx context.Context, versionID, agentID string) (bool, error)
	MarkDone(ctx context.Context, versionID, agentID string) error
}

// Notifier рассылает сигнал перезагрузки плоскости данных.
type Notifier interface {
	PublishReload(ctx context.Context, policySet string) error
}

// Summary — итог каскада ревалидации.
type Summary struct {
	PolicySet   string `json:"policy_set"`
	VersionID   string `json:"policy_version_id"`
	Total       int    `json:"total"`
	Valid       int    `json:"valid"`
	Restricted  int    `json:"restricted"`
	Invalidated int    `json:"invalidated"`
	Skipped     int    `json:"skipped"` // Уже были в чекпоинте
}

type Coordinator struct {
	repo       Repository
	evaluator  policyclient.Evaluator
	checkpoint Checkpoint
	notifier   Notifier
	trail      audit.Recorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	workers    int
}

func NewCoordinator(repo Repository, evaluator policyclient.Evaluator, checkpoint Checkpoint, notifier Notifier, trail audit.Recorder, m *metrics.Metrics, workers int, logger *zap.Logger) *Coordinator {
	if workers <= 0 {
		workers = 8
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Coordinator{
		repo:       repo,
		evaluator:  evaluator,
		checkpoint: checkpoint,
		notifier:   notifier,
		trail:      trail,
		metrics:    m,
		logger:     logger.Named("hotreload"),
		workers:    workers,
	}
}

// Install загружает новый бандл и атомарно делает его current.
// Ревалидацию НЕ запускает: это делает подписчик сигнала на плоскости данных.
func (c *Coordinator) Install(ctx context.Context, policySet string, bundle json.RawMessage) (*domain.PolicyVersion, error) {
	if len(bundle) == 0 {
		return nil, domain.Validation("policy bundle is empty")
	}
	if policySet == "" {
		return nil, domain.Validation("policy set name is required")
	}

	sum := sha256.Sum256(bundle)
	pv := &domain.PolicyVersion{
		ID:         uuid.New().String(),
		PolicySet:  policySet,
		Bundle:     bundle,
		PolicyHash: "sha256:" + hex.EncodeToString(sum[:]),
		CreatedAt:  time.Now(),
	}
	// Номер версии назначает хранилище внутри INSERT
	if err := c.repo.InsertPolicyVersion(ctx, pv); err != nil {
		return nil, err
	}
	if err := c.repo.SetCurrent(ctx, policySet, pv.ID); err != nil {
		return nil, err
	}
	pv.IsCurrent = true

	c.logger.Info("policy version installed",
		zap.String("policy_set", policySet),
		zap.Int("version", pv.Version),
		zap.String("hash", pv.PolicyHash))

	// Сигнал best-effort: плоскость данных дополнительно ревалидирует
	// по ручному триггеру, потерянный сигнал не фатален
	if c.notifier != nil {
		if err := c.notifier.PublishReload(ctx, policySet); err != nil {
			c.logger.Error("failed to publish reload signal", zap.Error(err))
		}
	}
	return pv, nil
}

// Revalidate прогоняет всех governed-агентов набора через движок политик
// и приводит их governance_status к свежему вердикту.
func (c *Coordinator) Revalidate(ctx context.Context, policySet string) (*Summary, error) {
	started := time.Now()

	pv, err := c.repo.GetCurrentPolicyVersion(ctx, policySet)
	if err != nil {
		return nil, err
	}
	if pv == nil {
		return nil, domain.NotFound("no current policy version for set " + policySet)
	}

	agents, err := c.repo.ListGovernedByPolicySet(ctx, policySet)
	if err != nil {
		return nil, err
	}

	summary := &Summary{PolicySet: policySet, VersionID: pv.ID, Total: len(agents)}
	var mu sync.Mutex

	jobs := make(chan *domain.Agent)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				status := c.revalidateOne(ctx, pv, a)
				mu.Lock()
				switch status {
				case domain.GovValid:
					summary.Valid++
				case domain.GovRestricted:
					summary.Restricted++
				case domain.GovInvalidated:
					summary.Invalidated++
				default:
					summary.Skipped++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, a := range agents {
		select {
		case jobs <- a:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	c.metrics.RevalidationDuration.Observe(time.Since(started).Seconds())
	c.logger.Info("revalidation cascade finished",
		zap.String("policy_set", policySet),
		zap.Int("total", summary.Total),
		zap.Int("valid", summary.Valid),
		zap.Int("restricted", summary.Restricted),
		zap.Int("invalidated", summary.Invalidated),
		zap.Int("skipped", summary.Skipped))
	return summary, ctx.Err()
}

// revalidateOne обрабатывает одного агента. Возвращает итоговый статус
// или "" для пропущенного по чекпоинту.
func (c *Coordinator) revalidateOne(ctx context.Context, pv *domain.PolicyVersion, a *domain.Agent) domain.GovernanceStatus {
	if c.checkpoint != nil {
		done, err := c.checkpoint.Done(ctx, pv.ID, a.ID)
		if err != nil {
			c.logger.Warn("checkpoint lookup failed, re-processing agent",
				zap.String("agent_id", a.ID), zap.Error(err))
		} else if done {
			return ""
		}
	}

	pc, evalErr := c.evaluator.Evaluate(ctx, a, policyclient.HookRevalidate, policyclient.SystemActor)
	status, reason := statusFor(pc, evalErr)
	c.metrics.RevalidationTotal.WithLabelValues(string(status)).Inc()

	if status != a.GovStatus {
		if err := c.repo.UpdateGovernanceStatus(ctx, a.ID, status); err != nil {
			c.logger.Error("failed to update governance status",
				zap.String("agent_id", a.ID), zap.Error(err))
			return status
		}
		c.recordVerdict(a, status, reason)
	}

	if status != domain.GovValid {
		// Леджер версии: производная копия вердикта для аудита
		if err := c.repo.AppendInvalidated(ctx, pv.ID, a.ID, domain.InvalidationRecord{
			Reason: reason,
			Status: string(status),
			At:     time.Now(),
		}); err != nil {
			c.logger.Error("failed to append to policy ledger",
				zap.String("agent_id", a.ID), zap.Error(err))
		}
	}

	if c.checkpoint != nil {
		if err := c.checkpoint.MarkDone(ctx, pv.ID, a.ID); err != nil {
			c.logger.Warn("failed to checkpoint agent",
				zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
	return status
}

func (c *Coordinator) recordVerdict(a *domain.Agent, status domain.GovernanceStatus, reason string) {
	event := audit.EventRevalidated
	switch status {
	case domain.GovRestricted:
		event = audit.EventRestricted
	case domain.GovInvalidated:
		event = audit.EventInvalidated
	}
	c.trail.Record(audit.Event{
		AgentID:   a.ID,
		Type:      event,
		Actor:     "hot-reload-coordinator",
		OldStatus: string(a.GovStatus),
		NewStatus: string(status),
		Reason:    reason,
	})
}

// statusFor — отображение вердикта движка в governance_status.
// Недоступный движок — это INVALIDATED, а не "оставим как было" (fail-closed).
func statusFor(pc *domain.PolicyContext, evalErr error) (domain.GovernanceStatus, string) {
	if evalErr != nil && domain.ClassOf(evalErr) == domain.ClassUpstream {
		return domain.GovInvalidated, "policy engine unreachable"
	}
	switch pc.Decide() {
	case domain.DecisionDeny:
		return domain.GovInvalidated, verdictReason(pc, "denied by policy")
	case domain.DecisionWarn:
		return domain.GovRestricted, verdictReason(pc, "restricted by policy")
	}
	if len(pc.Violations) > 0 {
		return domain.GovRestricted, verdictReason(pc, "restricted by policy")
	}
	return domain.GovValid, ""
}

func verdictReason(pc *domain.PolicyContext, fallback string) string {
	if pc == nil {
		return fallback
	}
	if len(pc.Violations) > 0 {
		return pc.Violations[0].Message
	}
	if len(pc.Warnings) > 0 {
		return pc.Warnings[0]
	}
	return fallback
}
