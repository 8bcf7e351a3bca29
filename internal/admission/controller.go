package admission

/*
Файл controller.go — допусковой контроль на горячем пути запуска агента.

canStart() отвечает на один вопрос: можно ли этому агенту стартовать
ПРЯМО СЕЙЧАС. Порядок проверок фиксирован: от самых дешевых и самых
жестких (disabled) к самым дорогим (пересчет хеша спеки). Первый отказ
завершает проверку. Запрет никогда не падает с ошибкой наружу: любое
сомнение — это deny с машинно-стабильной причиной.
*/

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
	"github.com/xela07ax/spaceai-governance-core/internal/signer"
	"github.com/xela07ax/spaceai-governance-core/internal/spechash"
)

// Причины отказа — часть контракта API, рантаймы агентов матчатся по ним.
const (
	ReasonAgentDisabled    = "agent disabled"
	ReasonSandboxExpired   = "sandbox expired"
	ReasonInvalidated      = "invalidated by policy"
	ReasonRestricted       = "restricted by policy"
	ReasonNoProof          = "no governance proof"
	ReasonSpecTampering    = "spec tampering detected"
	ReasonStaleCert        = "stale certification"
	ReasonUnknownAgent     = "unknown agent"
	ReasonInvalidSignature = "proof signature invalid"
)

// Decision — результат допускового контроля.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	AgentID   string    `json:"agent_id"`
	GovStatus string    `json:"governance_status,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Repository — что контроллеру нужно от хранилища.
type Repository interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetLatestProof(ctx context.Context, agentID string) (*domain.AgentProof, error)
	GetCurrentPolicyVersion(ctx context.Context, policySet string) (*domain.PolicyVersion, error)
	UpdateGovernanceStatus(ctx context.Context, agentID string, status domain.GovernanceStatus) error
}

type Controller struct {
	repo     Repository
	verifier signer.Authority // nil — подпись proof не перепроверяется
	trail    audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewController(repo Repository, verifier signer.Authority, trail audit.Recorder, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Controller{
		repo:     repo,
		verifier: verifier,
		trail:    trail,
		metrics:  m,
		logger:   logger.Named("admission"),
	}
}

// CanStart выполняет упорядоченную цепочку проверок допуска.
// Идемпотентен: повторный вызов с тем же состоянием дает тот же ответ.
func (c *Controller) CanStart(ctx context.Context, agentID string) (Decision, error) {
	started := time.Now()
	d, err := c.check(ctx, agentID)
	d.CheckedAt = time.Now()

	result := "deny"
	if d.Allowed {
		result = "allow"
	}
	c.metrics.AdmissionDecisions.WithLabelValues(result, d.Reason).Inc()
	c.metrics.AdmissionDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())

	if !d.Allowed {
		c.logger.Info("admission denied",
			zap.String("agent_id", agentID),
			zap.String("reason", d.Reason))
		c.trail.Record(audit.Event{
			AgentID: agentID,
			Type:    audit.EventAdmissionDenied,
			Actor:   "admission-controller",
			Reason:  d.Reason,
		})
	}
	return d, err
}

func (c *Controller) check(ctx context.Context, agentID string) (Decision, error) {
	a, err := c.repo.GetAgent(ctx, agentID)
	if err != nil {
		// Хранилище недоступно — запрет, а не 500
		return deny(agentID, ReasonUnknownAgent), err
	}
	if a == nil {
		return deny(agentID, ReasonUnknownAgent), nil
	}

	d := Decision{AgentID: agentID, GovStatus: string(a.GovStatus)}

	// 1. Disabled — терминально, перекрывает все остальное
	if a.State == domain.StateDisabled {
		d.Reason = ReasonAgentDisabled
		return d, nil
	}

	// 2. Песочница: живет до истечения TTL, без proof-проверок
	if a.State == domain.StateSandbox {
		if a.SandboxExpired(time.Now()) {
			d.Reason = ReasonSandboxExpired
			return d, nil
		}
		d.Allowed = true
		return d, nil
	}

	if a.State != domain.StateGoverned {
		// draft не запускается в принципе
		d.Reason = ReasonNoProof
		return d, nil
	}

	// 3-4. Вердикт последней ревалидации
	switch a.GovStatus {
	case domain.GovInvalidated:
		d.Reason = ReasonInvalidated
		return d, nil
	case domain.GovRestricted:
		d.Reason = ReasonRestricted
		return d, nil
	}

	// 5. Должен существовать proof
	proof, err := c.repo.GetLatestProof(ctx, agentID)
	if err != nil {
		d.Reason = ReasonNoProof
		return d, err
	}
	if proof == nil {
		d.Reason = ReasonNoProof
		return d, nil
	}
	if proof.Decision != domain.ProofPass {
		d.Reason = ReasonNoProof
		return d, nil
	}

	// 6. Подпись proof (если контроллеру выдали ключ проверки)
	if c.verifier != nil {
		if !c.verifier.Verify(proof.SignedPayload(), proof.Signature) {
			d.Reason = ReasonInvalidSignature
			return d, nil
		}
	}

	// 7. Спека не должна была измениться после сертификации
	if !spechash.Matches(a.Spec, proof.SpecHash) {
		d.Reason = ReasonSpecTampering
		c.flagTampered(ctx, a)
		return d, nil
	}

	// 8. Сертификация против актуального набора политик. Отсутствие
	// current-версии — тоже отказ: сертификацию не с чем сверить.
	pv, err := c.repo.GetCurrentPolicyVersion(ctx, a.PolicySet)
	if err != nil {
		d.Reason = ReasonStaleCert
		return d, err
	}
	if pv == nil {
		d.Reason = ReasonStaleCert
		return d, nil
	}
	if pv.SignerRevoked(proof.Authority) {
		d.Reason = ReasonInvalidSignature
		return d, nil
	}
	if pv.PolicyHash != proof.PolicyHash {
		d.Reason = ReasonStaleCert
		return d, nil
	}

	d.Allowed = true
	return d, nil
}

// flagTampered переводит агента в GOVERNED_INVALIDATED после обнаружения
// подмены спеки. Best-effort: отказ в допуске уже состоялся, провал
// записи статуса его не отменяет.
func (c *Controller) flagTampered(ctx context.Context, a *domain.Agent) {
	if a.GovStatus == domain.GovInvalidated {
		return
	}
	if err := c.repo.UpdateGovernanceStatus(ctx, a.ID, domain.GovInvalidated); err != nil {
		c.logger.Error("failed to flag tampered agent",
			zap.String("agent_id", a.ID),
			zap.Error(err))
		return
	}
	c.trail.Record(audit.Event{
		AgentID:   a.ID,
		Type:      audit.EventTamperFlagged,
		Actor:     "admission-controller",
		OldStatus: string(a.GovStatus),
		NewStatus: string(domain.GovInvalidated),
		Reason:    ReasonSpecTampering,
	})
}

func deny(agentID, reason string) Decision {
	return Decision{AgentID: agentID, Reason: reason}
}
