package postgres

/*
Файл policy_repo.go — версии бандлов политик. Глобального мутабельного
указателя "current" в процессе нет: читатели каждый раз достают текущую
версию запросом, а переключение is_current — одна атомарная транзакция.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// InsertPolicyVersion сохраняет версию, выдавая ей следующий номер внутри
// набора прямо в INSERT. Гонку двух конкурентных установок ловит уникальный
// индекс (policy_set, version): проигравший получает Conflict и повторяет.
func (s *Store) InsertPolicyVersion(ctx context.Context, pv *domain.PolicyVersion) error {
	invalidated, err := json.Marshal(pv.InvalidatedAgents)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal invalidated map: %w", err)
	}

	query := `
		INSERT INTO policy_versions (id, policy_set, version, bundle, policy_hash,
			revoked_signers, invalidated_agents, is_current, created_at)
		SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, false, NOW()
		FROM policy_versions WHERE policy_set = $2
		RETURNING version`

	err = s.pool.QueryRow(ctx, query,
		pv.ID, pv.PolicySet, pv.Bundle, pv.PolicyHash,
		pv.RevokedSigners, invalidated).Scan(&pv.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Conflict("concurrent policy install for set " + pv.PolicySet)
		}
		return fmt.Errorf("postgres: failed to insert policy version: %w", err)
	}
	return nil
}

// SetCurrent атомарно переключает current-версию набора политик.
// Снятие старого флага и установка нового происходят в одной транзакции:
// конкурентные проверки допуска никогда не видят две current-версии.
func (s *Store) SetCurrent(ctx context.Context, policySet, versionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE policy_versions SET is_current = false WHERE policy_set = $1 AND is_current = true`,
		policySet); err != nil {
		return fmt.Errorf("postgres: failed to clear current flag: %w", err)
	}

	ct, err := tx.Exec(ctx,
		`UPDATE policy_versions SET is_current = true WHERE id = $1 AND policy_set = $2`,
		versionID, policySet)
	if err != nil {
		return fmt.Errorf("postgres: failed to set current flag: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.NotFound("policy version " + versionID)
	}

	return tx.Commit(ctx)
}

// GetCurrentPolicyVersion — текущая версия набора, nil если набор не загружен.
func (s *Store) GetCurrentPolicyVersion(ctx context.Context, policySet string) (*domain.PolicyVersion, error) {
	query := `
		SELECT id, policy_set, version, bundle, policy_hash,
			revoked_signers, invalidated_agents, is_current, created_at
		FROM policy_versions
		WHERE policy_set = $1 AND is_current = true`

	pv := &domain.PolicyVersion{}
	var invalidated []byte
	err := s.pool.QueryRow(ctx, query, policySet).Scan(
		&pv.ID, &pv.PolicySet, &pv.Version, &pv.Bundle, &pv.PolicyHash,
		&pv.RevokedSigners, &invalidated, &pv.IsCurrent, &pv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch current policy version: %w", err)
	}
	if len(invalidated) > 0 {
		if err := json.Unmarshal(invalidated, &pv.InvalidatedAgents); err != nil {
			return nil, fmt.Errorf("postgres: corrupt invalidated map: %w", err)
		}
	}
	return pv, nil
}

// AppendInvalidated дописывает агента в леджер версии (jsonb merge).
func (s *Store) AppendInvalidated(ctx context.Context, versionID, agentID string, rec domain.InvalidationRecord) error {
	entry, err := json.Marshal(map[string]domain.InvalidationRecord{agentID: rec})
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal ledger entry: %w", err)
	}

	query := `
		UPDATE policy_versions
		SET invalidated_agents = COALESCE(invalidated_agents, '{}'::jsonb) || $1::jsonb
		WHERE id = $2`

	ct, err := s.pool.Exec(ctx, query, entry, versionID)
	if err != nil {
		return fmt.Errorf("postgres: failed to append to ledger: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.NotFound("policy version " + versionID)
	}
	return nil
}
