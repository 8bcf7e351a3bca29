package promotion

/*
Файл workflow.go — перевод sandbox -> governed.

Два режима: direct (без человека) и approval_gated (заявка + решение
любого одного из назначенных аппруверов). Оба упираются в общее ядро
executePromotion: оценка политики -> выпуск подписанного proof ->
переход агента. Порядок записи принципиален: proof персистится ДО
переключения lifecycle_state. Упади процесс между двумя записями,
агент остается не-governed, а осиротевший proof безвреден.

Сериализация: advisory-лок в Redis отсекает конкурентов быстро, но
источником правды остается CAS по lifecycle_version — проигравший
получает Conflict даже при потерянном локе.
*/

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/lifecycle"
	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
	"github.com/xela07ax/spaceai-governance-core/internal/signer"
	"github.com/xela07ax/spaceai-governance-core/internal/spechash"
)

// Mode — режим промоушена, задается флагом конфигурации.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeGated  Mode = "approval_gated"
)

// Repository — срез хранилища для workflow.
type Repository interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	UpdateTransition(ctx context.Context, a *domain.Agent, expectedVersion int64) error
	CreateProof(ctx context.Context, p *domain.AgentProof) error

	CreatePromotionRequest(ctx context.Context, r *domain.PromotionRequest) error
	GetPromotionRequest(ctx context.Context, id string) (*domain.PromotionRequest, error)
	FindPromotionRequests(ctx context.Context, status domain.PromotionStatus) ([]*domain.PromotionRequest, error)
	UpdatePromotionStatus(ctx context.Context, id string, from, to domain.PromotionStatus, reviewerID, comment string) (string, error)
	CancelPromotionRequest(ctx context.Context, id, reviewerID, comment string) (string, error)
}

// Gate — внешние стоп-сигналы: incident freeze и пер-агентный advisory-лок.
type Gate interface {
	FrozenActive(ctx context.Context) (bool, error)
	AcquireLock(ctx context.Context, agentID string) (bool, error)
	ReleaseLock(ctx context.Context, agentID string) error
}

type Workflow struct {
	repo      Repository
	evaluator policyclient.Evaluator
	authority signer.Authority
	gate      Gate
	trail     audit.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	mode      Mode
}

func NewWorkflow(repo Repository, evaluator policyclient.Evaluator, authority signer.Authority, gate Gate, trail audit.Recorder, m *metrics.Metrics, mode Mode, logger *zap.Logger) *Workflow {
	if mode != ModeDirect {
		mode = ModeGated
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Workflow{
		repo:      repo,
		evaluator: evaluator,
		authority: authority,
		gate:      gate,
		trail:     trail,
		metrics:   m,
		logger:    logger.Named("promotion"),
		mode:      mode,
	}
}

func (w *Workflow) Mode() Mode { return w.mode }

// Promote — прямой промоушен. В режиме approval_gated отклоняется:
// единственный путь — заявка.
func (w *Workflow) Promote(ctx context.Context, agentID string, actor policyclient.Actor) (*domain.Agent, *domain.AgentProof, error) {
	if w.mode != ModeDirect {
		return nil, nil, domain.Forbidden("direct promotion is disabled, create a promotion request")
	}
	if err := w.checkFreeze(ctx); err != nil {
		return nil, nil, err
	}
	return w.executePromotion(ctx, agentID, actor)
}

// CreateRequest открывает заявку на промоушен (approval_gated).
func (w *Workflow) CreateRequest(ctx context.Context, agentID string, approvers []string, sla *time.Time, actor policyclient.Actor) (*domain.PromotionRequest, error) {
	if err := w.checkFreeze(ctx); err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, domain.Validation("at least one approver is required")
	}

	a, err := w.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.State != domain.StateSandbox {
		return nil, domain.Forbidden("only sandbox agents can be promoted")
	}
	if err := lifecycle.ValidateSandbox(a); err != nil {
		return nil, err
	}

	// Снапшот того, что именно пойдет на оценку, для ревью
	snapshot, err := json.Marshal(map[string]any{
		"spec":      a.Spec,
		"spec_hash": spechash.Compute(a.Spec),
	})
	if err != nil {
		return nil, err
	}

	r := &domain.PromotionRequest{
		ID:          uuid.New().String(),
		AgentID:     a.ID,
		Workspace:   a.Workspace,
		Requester:   actor.ID,
		Status:      domain.PromotionPending,
		Approvers:   approvers,
		Snapshot:    snapshot,
		SLADeadline: sla,
	}
	if err := w.repo.CreatePromotionRequest(ctx, r); err != nil {
		return nil, err
	}

	w.record(a.ID, audit.EventPromotionRequested, actor.ID, "", map[string]any{"request_id": r.ID})
	return r, nil
}

// Approve — решение аппрувера. Достаточно любого одного из назначенных.
func (w *Workflow) Approve(ctx context.Context, requestID, comment string, actor policyclient.Actor) error {
	return w.decide(ctx, requestID, domain.PromotionApproved, audit.EventPromotionApproved, comment, actor)
}

func (w *Workflow) Reject(ctx context.Context, requestID, comment string, actor policyclient.Actor) error {
	return w.decide(ctx, requestID, domain.PromotionRejected, audit.EventPromotionRejected, comment, actor)
}

func (w *Workflow) decide(ctx context.Context, requestID string, to domain.PromotionStatus, event audit.EventType, comment string, actor policyclient.Actor) error {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !r.HasApprover(actor.ID) {
		return domain.Forbidden("actor is not in the approver set")
	}
	if err := r.CanTransitionTo(to); err != nil {
		return domain.Conflict(err.Error())
	}

	agentID, err := w.repo.UpdatePromotionStatus(ctx, requestID, domain.PromotionPending, to, actor.ID, comment)
	if err != nil {
		return err
	}

	w.record(agentID, event, actor.ID, comment, map[string]any{"request_id": requestID})
	return nil
}

// Cancel закрывает заявку из любого нетерминального статуса.
func (w *Workflow) Cancel(ctx context.Context, requestID, comment string, actor policyclient.Actor) error {
	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := r.CanTransitionTo(domain.PromotionCancelled); err != nil {
		return domain.Conflict(err.Error())
	}

	agentID, err := w.repo.CancelPromotionRequest(ctx, requestID, actor.ID, comment)
	if err != nil {
		return err
	}

	w.record(agentID, audit.EventPromotionCancelled, actor.ID, comment, map[string]any{"request_id": requestID})
	return nil
}

// Execute выполняет одобренную заявку. Freeze проверяется снова:
// одобрение, полученное до инцидента, не дает права на исполнение во время него.
func (w *Workflow) Execute(ctx context.Context, requestID string, actor policyclient.Actor) (*domain.Agent, *domain.AgentProof, error) {
	if err := w.checkFreeze(ctx); err != nil {
		return nil, nil, err
	}

	r, err := w.loadRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if err := r.CanTransitionTo(domain.PromotionExecuted); err != nil {
		return nil, nil, domain.Conflict(err.Error())
	}

	a, proof, err := w.executePromotion(ctx, r.AgentID, actor)
	if err != nil {
		return nil, nil, err
	}

	if _, err := w.repo.UpdatePromotionStatus(ctx, requestID, domain.PromotionApproved, domain.PromotionExecuted, actor.ID, ""); err != nil {
		// Агент уже governed, заявка осталась APPROVED: фиксируем в логе,
		// повторный Execute обнаружит не-sandbox агента и вернет Forbidden
		w.logger.Error("promotion executed but request status not advanced",
			zap.String("request_id", requestID), zap.Error(err))
	}
	return a, proof, nil
}

// executePromotion — общее ядро: оценка -> proof -> переход.
func (w *Workflow) executePromotion(ctx context.Context, agentID string, actor policyclient.Actor) (*domain.Agent, *domain.AgentProof, error) {
	acquired, err := w.gate.AcquireLock(ctx, agentID)
	if err != nil {
		w.logger.Warn("advisory lock unavailable, relying on version CAS",
			zap.String("agent_id", agentID), zap.Error(err))
	} else if !acquired {
		w.metrics.PromotionTotal.WithLabelValues("conflict").Inc()
		return nil, nil, domain.Conflict("promotion already in progress for agent " + agentID)
	} else {
		defer func() {
			if err := w.gate.ReleaseLock(ctx, agentID); err != nil {
				w.logger.Warn("failed to release promotion lock", zap.Error(err))
			}
		}()
	}

	a, err := w.loadAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if a.State != domain.StateSandbox {
		return nil, nil, domain.Forbidden("only sandbox agents can be promoted")
	}
	if err := lifecycle.ValidateSandbox(a); err != nil {
		return nil, nil, err
	}

	pc, evalErr := w.evaluator.Evaluate(ctx, a, policyclient.HookPromotionAttempt, actor)
	if pc.Denied() {
		w.metrics.PromotionTotal.WithLabelValues("denied").Inc()
		w.record(a.ID, audit.EventAttemptDenied, actor.ID, "promotion denied by policy", nil)
		if evalErr != nil && domain.ClassOf(evalErr) == domain.ClassUpstream {
			return nil, nil, domain.Upstream("promotion denied: policy engine unavailable", evalErr)
		}
		return nil, nil, domain.PolicyDenied("promotion denied by policy", pc.Violations)
	}

	// Хэшируем ровно тот объект, что был оценен
	specHash := spechash.Compute(a.Spec)
	signedAt := time.Now()
	signature, err := w.authority.Sign(domain.ProofPayload(specHash, pc.PolicyDigest, signedAt))
	if err != nil {
		return nil, nil, domain.Upstream("failed to sign governance proof", err)
	}

	proof := &domain.AgentProof{
		ID:           uuid.New().String(),
		AgentID:      a.ID,
		Decision:     domain.ProofPass,
		SpecHash:     specHash,
		PolicyHash:   pc.PolicySetHash,
		PolicyDigest: pc.PolicyDigest,
		Authority:    w.authority.ID(),
		Signature:    signature,
		SignedAt:     signedAt,
	}

	// Сначала proof, потом переход
	if err := w.repo.CreateProof(ctx, proof); err != nil {
		return nil, nil, err
	}

	expected := a.Version
	now := time.Now()
	a.State = domain.StateGoverned
	a.GovStatus = domain.GovValid
	a.PolicyDigest = pc.PolicyDigest
	a.PolicySetHash = pc.PolicySetHash
	a.LockedFields = pc.LockedFields
	a.SandboxExpiresAt = nil
	a.PromotedAt = &now
	a.PromotedBy = &actor.ID

	if err := w.repo.UpdateTransition(ctx, a, expected); err != nil {
		if domain.IsConflict(err) {
			w.metrics.PromotionTotal.WithLabelValues("conflict").Inc()
		}
		return nil, nil, err
	}

	w.metrics.PromotionTotal.WithLabelValues("executed").Inc()
	w.trail.Record(audit.Event{
		AgentID:   a.ID,
		Type:      audit.EventPromoted,
		Actor:     actor.ID,
		OldStatus: string(domain.StateSandbox),
		NewStatus: string(domain.StateGoverned),
		Metadata:  map[string]any{"proof_id": proof.ID, "spec_hash": specHash},
	})
	w.logger.Info("agent promoted",
		zap.String("agent_id", a.ID),
		zap.String("proof_id", proof.ID),
		zap.String("actor", actor.ID))
	return a, proof, nil
}

func (w *Workflow) checkFreeze(ctx context.Context) error {
	frozen, err := w.gate.FrozenActive(ctx)
	if err != nil {
		// Fail-closed: неизвестное состояние freeze трактуем как активный
		w.metrics.PromotionTotal.WithLabelValues("frozen").Inc()
		return domain.Upstream("cannot determine incident freeze state", err)
	}
	if frozen {
		w.metrics.PromotionTotal.WithLabelValues("frozen").Inc()
		return domain.Forbidden("promotions are blocked by an active incident freeze")
	}
	return nil
}

func (w *Workflow) loadAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	a, err := w.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, domain.NotFound("agent " + agentID)
	}
	return a, nil
}

func (w *Workflow) loadRequest(ctx context.Context, id string) (*domain.PromotionRequest, error) {
	r, err := w.repo.GetPromotionRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, domain.NotFound("promotion request " + id)
	}
	return r, nil
}

// ListPending — заявки, ждущие решения (консольный инбокс аппрувера).
func (w *Workflow) ListPending(ctx context.Context) ([]*domain.PromotionRequest, error) {
	return w.repo.FindPromotionRequests(ctx, domain.PromotionPending)
}

func (w *Workflow) record(agentID string, event audit.EventType, actor, reason string, meta map[string]any) {
	w.trail.Record(audit.Event{
		AgentID:  agentID,
		Type:     event,
		Actor:    actor,
		Reason:   reason,
		Metadata: meta,
	})
}
