package postgres

/*
Файл proof_repo.go — append-only хранилище proof-бандлов. Записи никогда не
обновляются и не удаляются; актуальным считается последний по signed_at
(most-recent-wins).
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// CreateProof персистит proof. Порядок записи значим: proof сохраняется ДО
// перевода агента в governed — осиротевший proof при падении между двумя
// записями безвреден.
func (s *Store) CreateProof(ctx context.Context, p *domain.AgentProof) error {
	query := `
		INSERT INTO agent_proofs (id, agent_id, decision, spec_hash, policy_hash,
			policy_digest, authority, signature, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.AgentID, p.Decision, p.SpecHash, p.PolicyHash,
		p.PolicyDigest, p.Authority, p.Signature, p.SignedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create proof: %w", err)
	}
	return nil
}

// GetLatestProof возвращает последний proof агента, nil если его нет.
func (s *Store) GetLatestProof(ctx context.Context, agentID string) (*domain.AgentProof, error) {
	query := `
		SELECT id, agent_id, decision, spec_hash, policy_hash,
			policy_digest, authority, signature, signed_at
		FROM agent_proofs
		WHERE agent_id = $1
		ORDER BY signed_at DESC
		LIMIT 1`

	p := &domain.AgentProof{}
	err := s.pool.QueryRow(ctx, query, agentID).Scan(
		&p.ID, &p.AgentID, &p.Decision, &p.SpecHash, &p.PolicyHash,
		&p.PolicyDigest, &p.Authority, &p.Signature, &p.SignedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch proof: %w", err)
	}
	return p, nil
}
