package postgres

/*
Файл agent_repo.go — хранение агентов. Все lifecycle-мутации идут через
условный UPDATE с lifecycle_version (optimistic concurrency): ноль строк
означает, что конкурентный писатель победил, и вызывающий получает Conflict.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

const agentColumns = `id, name, owner_team, workspace, lifecycle_state, lifecycle_version,
	governance_status, spec, policy_set, policy_digest, policy_set_hash, locked_fields,
	sandbox_expires_at, promoted_at, promoted_by, disabled_reason, disabled_by, disabled_at,
	created_at, updated_at`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	a := &domain.Agent{}
	var spec []byte
	err := row.Scan(
		&a.ID, &a.Name, &a.OwnerTeam, &a.Workspace, &a.State, &a.Version,
		&a.GovStatus, &spec, &a.PolicySet, &a.PolicyDigest, &a.PolicySetHash, &a.LockedFields,
		&a.SandboxExpiresAt, &a.PromotedAt, &a.PromotedBy, &a.DisabledReason, &a.DisabledBy, &a.DisabledAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &a.Spec); err != nil {
		return nil, fmt.Errorf("postgres: corrupt agent spec: %w", err)
	}
	return a, nil
}

// CreateAgent вставляет нового агента (черновик или форк, version = 1).
func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	spec, err := json.Marshal(a.Spec)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal spec: %w", err)
	}

	query := `
		INSERT INTO agents (id, name, owner_team, workspace, lifecycle_state, lifecycle_version,
			governance_status, spec, policy_set, locked_fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.Name, a.OwnerTeam, a.Workspace, a.State, a.Version,
		a.GovStatus, spec, a.PolicySet, a.LockedFields)
	if err != nil {
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	a, err := scanAgent(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // nil для 404 на уровне сервиса
		}
		return nil, fmt.Errorf("postgres: failed to fetch agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, workspace string) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []interface{}
	if workspace != "" {
		query += ` WHERE workspace = $1`
		args = append(args, workspace)
	}
	query += ` ORDER BY created_at DESC LIMIT 500`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list agents: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// ListGovernedByPolicySet — популяция для hot-reload каскада.
func (s *Store) ListGovernedByPolicySet(ctx context.Context, policySet string) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE lifecycle_state = 'governed' AND policy_set = $1`

	rows, err := s.pool.Query(ctx, query, policySet)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list governed agents: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// UpdateTransition применяет lifecycle-переход с проверкой версии.
// Пишет все мутабельные колонки из переданного снапшота агента и инкрементирует
// lifecycle_version. Ноль затронутых строк => Conflict.
func (s *Store) UpdateTransition(ctx context.Context, a *domain.Agent, expectedVersion int64) error {
	spec, err := json.Marshal(a.Spec)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal spec: %w", err)
	}

	query := `
		UPDATE agents SET
			lifecycle_state = $1,
			lifecycle_version = lifecycle_version + 1,
			governance_status = $2,
			spec = $3,
			policy_digest = $4,
			policy_set_hash = $5,
			locked_fields = $6,
			sandbox_expires_at = $7,
			promoted_at = $8,
			promoted_by = $9,
			disabled_reason = $10,
			disabled_by = $11,
			disabled_at = $12,
			updated_at = NOW()
		WHERE id = $13 AND lifecycle_version = $14`

	ct, err := s.pool.Exec(ctx, query,
		a.State, a.GovStatus, spec, a.PolicyDigest, a.PolicySetHash, a.LockedFields,
		a.SandboxExpiresAt, a.PromotedAt, a.PromotedBy,
		a.DisabledReason, a.DisabledBy, a.DisabledAt,
		a.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("postgres: failed to update agent: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return domain.Conflict(fmt.Sprintf("agent %s: version %d is stale", a.ID, expectedVersion))
	}
	a.Version = expectedVersion + 1
	return nil
}

// UpdateGovernanceStatus — status-only мутация для Hot-Reload Coordinator и
// тампер-флага допуска. Версию не трогает: это не lifecycle-переход.
func (s *Store) UpdateGovernanceStatus(ctx context.Context, agentID string, status domain.GovernanceStatus) error {
	query := `
		UPDATE agents SET governance_status = $1, updated_at = NOW()
		WHERE id = $2 AND lifecycle_state = 'governed'`

	ct, err := s.pool.Exec(ctx, query, status, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update governance status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.NotFound("governed agent " + agentID)
	}
	return nil
}

// TouchSandboxExpiry продлевает песочницу (операторская операция).
func (s *Store) TouchSandboxExpiry(ctx context.Context, agentID string, until time.Time) error {
	query := `
		UPDATE agents SET sandbox_expires_at = $1, updated_at = NOW()
		WHERE id = $2 AND lifecycle_state = 'sandbox'`

	ct, err := s.pool.Exec(ctx, query, until, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to extend sandbox: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.NotFound("sandbox agent " + agentID)
	}
	return nil
}
