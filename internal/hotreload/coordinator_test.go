package hotreload

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/domain"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
)

type fakeRepo struct {
	mu       sync.Mutex
	versions map[string]*domain.PolicyVersion
	current  map[string]string // policySet -> versionID
	agents   []*domain.Agent
	statuses map[string]domain.GovernanceStatus
	ledger   map[string]map[string]domain.InvalidationRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		versions: make(map[string]*domain.PolicyVersion),
		current:  make(map[string]string),
		statuses: make(map[string]domain.GovernanceStatus),
		ledger:   make(map[string]map[string]domain.InvalidationRecord),
	}
}

// InsertPolicyVersion повторяет контракт хранилища: номер назначается
// при вставке, занятый номер — Conflict.
func (r *fakeRepo) InsertPolicyVersion(ctx context.Context, pv *domain.PolicyVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, v := range r.versions {
		if v.PolicySet == pv.PolicySet && v.Version > max {
			max = v.Version
		}
	}
	pv.Version = max + 1
	cp := *pv
	r.versions[pv.ID] = &cp
	return nil
}

func (r *fakeRepo) SetCurrent(ctx context.Context, policySet, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pv, ok := r.versions[versionID]
	if !ok {
		return domain.NotFound("policy version " + versionID)
	}
	if old, ok := r.current[policySet]; ok {
		r.versions[old].IsCurrent = false
	}
	pv.IsCurrent = true
	r.current[policySet] = versionID
	return nil
}

func (r *fakeRepo) GetCurrentPolicyVersion(ctx context.Context, policySet string) (*domain.PolicyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.current[policySet]
	if !ok {
		return nil, nil
	}
	cp := *r.versions[id]
	return &cp, nil
}

func (r *fakeRepo) ListGovernedByPolicySet(ctx context.Context, policySet string) ([]*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.PolicySet == policySet {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateGovernanceStatus(ctx context.Context, agentID string, status domain.GovernanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[agentID] = status
	return nil
}

func (r *fakeRepo) AppendInvalidated(ctx context.Context, versionID, agentID string, rec domain.InvalidationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ledger[versionID] == nil {
		r.ledger[versionID] = make(map[string]domain.InvalidationRecord)
	}
	r.ledger[versionID][agentID] = rec
	return nil
}

type memCheckpoint struct {
	mu   sync.Mutex
	done map[string]bool
}

func newMemCheckpoint() *memCheckpoint {
	return &memCheckpoint{done: make(map[string]bool)}
}

func (c *memCheckpoint) Done(ctx context.Context, versionID, agentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[versionID+"/"+agentID], nil
}

func (c *memCheckpoint) MarkDone(ctx context.Context, versionID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[versionID+"/"+agentID] = true
	return nil
}

type memNotifier struct {
	mu   sync.Mutex
	sets []string
}

func (n *memNotifier) PublishReload(ctx context.Context, policySet string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sets = append(n.sets, policySet)
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

// scriptedEvaluator выдает вердикт по agent_id.
type scriptedEvaluator struct {
	mu       sync.Mutex
	byAgent  map[string]*domain.PolicyContext
	err      error
	calls    int
	fallback *domain.PolicyContext
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, agent *domain.Agent, hook policyclient.Hook, actor policyclient.Actor) (*domain.PolicyContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if pc, ok := e.byAgent[agent.ID]; ok {
		return pc, nil
	}
	return e.fallback, nil
}

func (e *scriptedEvaluator) Simulate(ctx context.Context, agent *domain.Agent, overrides map[string]any) (*domain.PolicyContext, error) {
	return e.fallback, nil
}

func (e *scriptedEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func allowContext() *domain.PolicyContext {
	return &domain.PolicyContext{Decision: domain.DecisionAllow}
}

func governedAgents(n int) []*domain.Agent {
	out := make([]*domain.Agent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &domain.Agent{
			ID:        fmt.Sprintf("a%d", i),
			State:     domain.StateGoverned,
			GovStatus: domain.GovValid,
			PolicySet: "default",
		})
	}
	return out
}

func testCoordinator(repo Repository, eval policyclient.Evaluator, cp Checkpoint, n Notifier, trail audit.Recorder) *Coordinator {
	return NewCoordinator(repo, eval, cp, n, trail, nil, 4, zap.NewNop())
}

func TestInstall_FlipsCurrentAtomicallyAndSignals(t *testing.T) {
	repo := newFakeRepo()
	notifier := &memNotifier{}
	c := testCoordinator(repo, &scriptedEvaluator{fallback: allowContext()}, newMemCheckpoint(), notifier, &memTrail{})

	pv1, err := c.Install(context.Background(), "default", json.RawMessage(`{"rules":[1]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, pv1.Version)
	assert.True(t, pv1.IsCurrent)
	assert.Contains(t, pv1.PolicyHash, "sha256:")

	pv2, err := c.Install(context.Background(), "default", json.RawMessage(`{"rules":[2]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, pv2.Version)

	cur, err := repo.GetCurrentPolicyVersion(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, pv2.ID, cur.ID, "only the newest version is current")
	assert.False(t, repo.versions[pv1.ID].IsCurrent)

	assert.Equal(t, []string{"default", "default"}, notifier.sets)
}

func TestInstall_RejectsEmptyBundle(t *testing.T) {
	c := testCoordinator(newFakeRepo(), &scriptedEvaluator{}, newMemCheckpoint(), nil, &memTrail{})
	_, err := c.Install(context.Background(), "default", nil)
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
}

func TestRevalidate_VerdictMapping(t *testing.T) {
	repo := newFakeRepo()
	repo.agents = governedAgents(3)
	eval := &scriptedEvaluator{
		fallback: allowContext(),
		byAgent: map[string]*domain.PolicyContext{
			"a1": {Decision: domain.DecisionWarn, Warnings: []string{"model deprecated"}},
			"a2": {Decision: domain.DecisionDeny, Violations: []domain.Violation{{Rule: "cap", Message: "capability revoked"}}},
		},
	}
	trail := &memTrail{}
	c := testCoordinator(repo, eval, newMemCheckpoint(), nil, trail)

	_, err := c.Install(context.Background(), "default", json.RawMessage(`{"rules":[]}`))
	require.NoError(t, err)

	sum, err := c.Revalidate(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Valid)
	assert.Equal(t, 1, sum.Restricted)
	assert.Equal(t, 1, sum.Invalidated)

	// a0 остался VALID и не трогался, a1/a2 перезаписаны
	_, touched := repo.statuses["a0"]
	assert.False(t, touched)
	assert.Equal(t, domain.GovRestricted, repo.statuses["a1"])
	assert.Equal(t, domain.GovInvalidated, repo.statuses["a2"])

	// Леджер версии содержит только не-VALID агентов
	ledger := repo.ledger[sum.VersionID]
	require.Len(t, ledger, 2)
	assert.Equal(t, "capability revoked", ledger["a2"].Reason)
}

func TestRevalidate_FailClosedOnUnreachableEvaluator(t *testing.T) {
	repo := newFakeRepo()
	repo.agents = governedAgents(5)
	eval := &scriptedEvaluator{err: domain.Upstream("policy engine unavailable", nil)}
	c := testCoordinator(repo, eval, newMemCheckpoint(), nil, &memTrail{})

	_, err := c.Install(context.Background(), "default", json.RawMessage(`{"rules":[]}`))
	require.NoError(t, err)

	sum, err := c.Revalidate(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Invalidated, "unreachable evaluator must invalidate, never keep VALID")
	for i := 0; i < 5; i++ {
		assert.Equal(t, domain.GovInvalidated, repo.statuses[fmt.Sprintf("a%d", i)])
	}
}

func TestRevalidate_CheckpointSkipsProcessed(t *testing.T) {
	repo := newFakeRepo()
	repo.agents = governedAgents(4)
	eval := &scriptedEvaluator{fallback: allowContext()}
	cp := newMemCheckpoint()
	c := testCoordinator(repo, eval, cp, nil, &memTrail{})

	pv, err := c.Install(context.Background(), "default", json.RawMessage(`{"rules":[]}`))
	require.NoError(t, err)

	// Половина популяции уже обработана упавшим каскадом
	require.NoError(t, cp.MarkDone(context.Background(), pv.ID, "a0"))
	require.NoError(t, cp.MarkDone(context.Background(), pv.ID, "a1"))

	sum, err := c.Revalidate(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 2, sum.Valid)
	assert.Equal(t, 2, eval.callCount(), "checkpointed agents are not re-evaluated")
}

func TestRevalidate_NoCurrentVersion(t *testing.T) {
	c := testCoordinator(newFakeRepo(), &scriptedEvaluator{}, newMemCheckpoint(), nil, &memTrail{})
	_, err := c.Revalidate(context.Background(), "default")
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestRevalidate_WritesHistoryOnStatusChange(t *testing.T) {
	repo := newFakeRepo()
	repo.agents = governedAgents(1)
	eval := &scriptedEvaluator{
		byAgent: map[string]*domain.PolicyContext{
			"a0": {Decision: domain.DecisionDeny, Violations: []domain.Violation{{Rule: "r", Message: "gone"}}},
		},
	}
	trail := &memTrail{}
	c := testCoordinator(repo, eval, newMemCheckpoint(), nil, trail)

	_, err := c.Install(context.Background(), "default", json.RawMessage(`{"rules":[]}`))
	require.NoError(t, err)
	_, err = c.Revalidate(context.Background(), "default")
	require.NoError(t, err)

	require.Len(t, trail.events, 1)
	e := trail.events[0]
	assert.Equal(t, audit.EventInvalidated, e.Type)
	assert.Equal(t, string(domain.GovValid), e.OldStatus)
	assert.Equal(t, string(domain.GovInvalidated), e.NewStatus)
	assert.Equal(t, "gone", e.Reason)
}
