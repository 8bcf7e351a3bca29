package promotion

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
	"github.com/xela07ax/spaceai-governance-core/internal/signer"
	"github.com/xela07ax/spaceai-governance-core/internal/spechash"
)

// fakeRepo пишет порядок вызовов, чтобы проверять proof-before-commit.
type fakeRepo struct {
	mu       sync.Mutex
	agents   map[string]*domain.Agent
	proofs   []*domain.AgentProof
	requests map[string]*domain.PromotionRequest
	writes   []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		agents:   make(map[string]*domain.Agent),
		requests: make(map[string]*domain.PromotionRequest),
	}
}

func (r *fakeRepo) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) UpdateTransition(ctx context.Context, a *domain.Agent, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.agents[a.ID]
	if !ok || stored.Version != expected {
		return domain.Conflict("version mismatch")
	}
	cp := *a
	cp.Version = expected + 1
	r.agents[a.ID] = &cp
	a.Version = cp.Version
	r.writes = append(r.writes, "transition")
	return nil
}

func (r *fakeRepo) CreateProof(ctx context.Context, p *domain.AgentProof) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proofs = append(r.proofs, p)
	r.writes = append(r.writes, "proof")
	return nil
}

func (r *fakeRepo) CreatePromotionRequest(ctx context.Context, req *domain.PromotionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

func (r *fakeRepo) GetPromotionRequest(ctx context.Context, id string) (*domain.PromotionRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (r *fakeRepo) FindPromotionRequests(ctx context.Context, status domain.PromotionStatus) ([]*domain.PromotionRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*domain.PromotionRequest{}
	for _, req := range r.requests {
		if req.Status == status {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdatePromotionStatus(ctx context.Context, id string, from, to domain.PromotionStatus, reviewerID, comment string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || req.Status != from {
		return "", domain.Conflict("promotion request already processed")
	}
	req.Status = to
	req.ReviewerID = &reviewerID
	req.Comment = &comment
	return req.AgentID, nil
}

func (r *fakeRepo) CancelPromotionRequest(ctx context.Context, id, reviewerID, comment string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || req.Terminal() {
		return "", domain.Conflict("promotion request already processed")
	}
	req.Status = domain.PromotionCancelled
	req.ReviewerID = &reviewerID
	return req.AgentID, nil
}

// memGate — freeze-флаг и честный SetNX-подобный лок в памяти.
type memGate struct {
	mu     sync.Mutex
	frozen bool
	locks  map[string]bool
}

func newMemGate() *memGate {
	return &memGate{locks: make(map[string]bool)}
}

func (g *memGate) FrozenActive(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen, nil
}

func (g *memGate) AcquireLock(ctx context.Context, agentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[agentID] {
		return false, nil
	}
	g.locks[agentID] = true
	return true, nil
}

func (g *memGate) ReleaseLock(ctx context.Context, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locks, agentID)
	return nil
}

type memTrail struct {
	mu     sync.Mutex
	events []audit.Event
}

func (t *memTrail) Record(e audit.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func (t *memTrail) count(et audit.EventType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Type == et {
			n++
		}
	}
	return n
}

type stubEvaluator struct {
	pc  *domain.PolicyContext
	err error
}

func (e *stubEvaluator) Evaluate(ctx context.Context, agent *domain.Agent, hook policyclient.Hook, actor policyclient.Actor) (*domain.PolicyContext, error) {
	return e.pc, e.err
}

func (e *stubEvaluator) Simulate(ctx context.Context, agent *domain.Agent, overrides map[string]any) (*domain.PolicyContext, error) {
	return e.pc, e.err
}

func allowEvaluator() *stubEvaluator {
	return &stubEvaluator{pc: &domain.PolicyContext{
		Decision:      domain.DecisionAllow,
		PolicyDigest:  "digest-7",
		PolicySetHash: "sethash-7",
	}}
}

func testAuthority(t *testing.T) signer.Authority {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	authority, err := signer.NewRSAAuthority("test-authority", pemBytes)
	require.NoError(t, err)
	return authority
}

func sandboxAgent(id string) *domain.Agent {
	future := time.Now().Add(time.Hour)
	return &domain.Agent{
		ID:        id,
		Name:      "planner-a",
		OwnerTeam: "platform",
		Workspace: "ws-1",
		State:     domain.StateSandbox,
		Version:   2,
		GovStatus: domain.GovSandbox,
		Spec: domain.AgentSpec{
			Role:         domain.RolePlanner,
			SystemPrompt: "Plan work.",
			Model:        "gpt-5-mini",
			Capabilities: []string{"jira.ticket.read"},
		},
		PolicySet:        "default",
		SandboxExpiresAt: &future,
	}
}

func testWorkflow(t *testing.T, repo Repository, eval policyclient.Evaluator, gate Gate, trail audit.Recorder, mode Mode) *Workflow {
	t.Helper()
	return NewWorkflow(repo, eval, testAuthority(t), gate, trail, nil, mode, zap.NewNop())
}

func TestPromote_Direct(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	trail := &memTrail{}
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), trail, ModeDirect)

	a, proof, err := w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, domain.StateGoverned, a.State)
	assert.Equal(t, domain.GovValid, a.GovStatus)
	assert.Nil(t, a.SandboxExpiresAt)
	require.NotNil(t, a.PromotedBy)
	assert.Equal(t, "u1", *a.PromotedBy)

	require.NotNil(t, proof)
	assert.Equal(t, domain.ProofPass, proof.Decision)
	assert.Equal(t, spechash.Compute(a.Spec), proof.SpecHash)
	assert.Equal(t, "digest-7", proof.PolicyDigest)
	assert.Equal(t, "test-authority", proof.Authority)
	assert.Equal(t, 1, trail.count(audit.EventPromoted))
}

func TestPromote_ProofPersistsBeforeTransition(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), &memTrail{}, ModeDirect)

	_, _, err := w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"proof", "transition"}, repo.writes)
}

func TestPromote_ProofSignatureVerifies(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	authority := testAuthority(t)
	w := NewWorkflow(repo, allowEvaluator(), authority, newMemGate(), &memTrail{}, nil, ModeDirect, zap.NewNop())

	_, proof, err := w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
	require.NoError(t, err)
	assert.True(t, authority.Verify(proof.SignedPayload(), proof.Signature))
}

func TestPromote_GatedModeRefusesDirect(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), &memTrail{}, ModeGated)

	_, _, err := w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
	assert.Equal(t, domain.ClassForbidden, domain.ClassOf(err))
}

func TestPromote_PolicyDenyLeavesAgentInSandbox(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	deny := &stubEvaluator{pc: &domain.PolicyContext{
		Decision:   domain.DecisionDeny,
		Violations: []domain.Violation{{Rule: "budget", Message: "budget exceeded"}},
	}}
	w := testWorkflow(t, repo, deny, newMemGate(), &memTrail{}, ModeDirect)

	_, _, err := w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
	assert.Equal(t, domain.ClassPolicyDenied, domain.ClassOf(err))

	stored, _ := repo.GetAgent(context.Background(), "a1")
	assert.Equal(t, domain.StateSandbox, stored.State)
	assert.Empty(t, repo.proofs, "no proof is minted on a deny")
}

func TestPromote_FreezeBlocks(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	gate := newMemGate()
	gate.frozen = true
	w := testWorkflow(t, repo, allowEvaluator(), gate, &memTrail{}, ModeDirect)

	_, _, err := w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
	assert.Equal(t, domain.ClassForbidden, domain.ClassOf(err))
}

func TestPromote_ConcurrentCallersOneWinner(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), &memTrail{}, ModeDirect)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = w.Promote(context.Background(), "a1", policyclient.Actor{ID: "u1"})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case domain.ClassOf(err) == domain.ClassConflict || domain.ClassOf(err) == domain.ClassForbidden:
			// Forbidden — проигравший увидел уже-governed агента после снятия лока
			conflicts++
		}
	}
	assert.Equal(t, 1, wins, "exactly one promotion succeeds")
	assert.Equal(t, 1, conflicts)

	stored, _ := repo.GetAgent(context.Background(), "a1")
	assert.Equal(t, domain.StateGoverned, stored.State)
}

func TestGatedFlow_EndToEnd(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	trail := &memTrail{}
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), trail, ModeGated)
	ctx := context.Background()

	r, err := w.CreateRequest(ctx, "a1", []string{"lead-1", "lead-2"}, nil, policyclient.Actor{ID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.PromotionPending, r.Status)
	assert.NotEmpty(t, r.Snapshot)

	// Чужак не может решать
	err = w.Approve(ctx, r.ID, "lgtm", policyclient.Actor{ID: "stranger"})
	assert.Equal(t, domain.ClassForbidden, domain.ClassOf(err))

	// Достаточно одного аппрувера из круга
	require.NoError(t, w.Approve(ctx, r.ID, "lgtm", policyclient.Actor{ID: "lead-2"}))

	// Повторное решение — конфликт
	err = w.Approve(ctx, r.ID, "again", policyclient.Actor{ID: "lead-1"})
	assert.Equal(t, domain.ClassConflict, domain.ClassOf(err))

	a, proof, err := w.Execute(ctx, r.ID, policyclient.Actor{ID: "lead-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateGoverned, a.State)
	require.NotNil(t, proof)

	stored, _ := repo.GetPromotionRequest(ctx, r.ID)
	assert.Equal(t, domain.PromotionExecuted, stored.Status)
	assert.Equal(t, 1, trail.count(audit.EventPromotionRequested))
	assert.Equal(t, 1, trail.count(audit.EventPromotionApproved))
	assert.Equal(t, 1, trail.count(audit.EventPromoted))
}

func TestGatedFlow_ExecuteRequiresApproval(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), &memTrail{}, ModeGated)
	ctx := context.Background()

	r, err := w.CreateRequest(ctx, "a1", []string{"lead-1"}, nil, policyclient.Actor{ID: "dev-1"})
	require.NoError(t, err)

	_, _, err = w.Execute(ctx, r.ID, policyclient.Actor{ID: "lead-1"})
	assert.Equal(t, domain.ClassConflict, domain.ClassOf(err), "pending request cannot be executed")
}

func TestGatedFlow_RejectAndCancel(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	repo.agents["a2"] = sandboxAgent("a2")
	w := testWorkflow(t, repo, allowEvaluator(), newMemGate(), &memTrail{}, ModeGated)
	ctx := context.Background()

	r1, err := w.CreateRequest(ctx, "a1", []string{"lead-1"}, nil, policyclient.Actor{ID: "dev-1"})
	require.NoError(t, err)
	require.NoError(t, w.Reject(ctx, r1.ID, "not ready", policyclient.Actor{ID: "lead-1"}))

	stored, _ := repo.GetPromotionRequest(ctx, r1.ID)
	assert.Equal(t, domain.PromotionRejected, stored.Status)

	// Отклоненную заявку нельзя отменить
	err = w.Cancel(ctx, r1.ID, "", policyclient.Actor{ID: "dev-1"})
	assert.Equal(t, domain.ClassConflict, domain.ClassOf(err))

	r2, err := w.CreateRequest(ctx, "a2", []string{"lead-1"}, nil, policyclient.Actor{ID: "dev-1"})
	require.NoError(t, err)
	require.NoError(t, w.Cancel(ctx, r2.ID, "obsolete", policyclient.Actor{ID: "dev-1"}))

	stored, _ = repo.GetPromotionRequest(ctx, r2.ID)
	assert.Equal(t, domain.PromotionCancelled, stored.Status)
}

func TestGatedFlow_FreezeBlocksCreateAndExecute(t *testing.T) {
	repo := newFakeRepo()
	repo.agents["a1"] = sandboxAgent("a1")
	gate := newMemGate()
	w := testWorkflow(t, repo, allowEvaluator(), gate, &memTrail{}, ModeGated)
	ctx := context.Background()

	r, err := w.CreateRequest(ctx, "a1", []string{"lead-1"}, nil, policyclient.Actor{ID: "dev-1"})
	require.NoError(t, err)
	require.NoError(t, w.Approve(ctx, r.ID, "ok", policyclient.Actor{ID: "lead-1"}))

	// Freeze между одобрением и исполнением
	gate.frozen = true
	_, _, err = w.Execute(ctx, r.ID, policyclient.Actor{ID: "lead-1"})
	assert.Equal(t, domain.ClassForbidden, domain.ClassOf(err), "approval does not survive an incident freeze")

	_, err = w.CreateRequest(ctx, "a1", []string{"lead-1"}, nil, policyclient.Actor{ID: "dev-1"})
	assert.Equal(t, domain.ClassForbidden, domain.ClassOf(err))
}
