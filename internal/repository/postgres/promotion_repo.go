package postgres

/*
Файл promotion_repo.go — заявки Human-in-the-loop. Условие WHERE status в
UPDATE предотвращает Double Decision без блокировок.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

func (s *Store) CreatePromotionRequest(ctx context.Context, r *domain.PromotionRequest) error {
	query := `
		INSERT INTO promotion_requests (id, agent_id, workspace, requester, status,
			approvers, snapshot, sla_deadline, escalation_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.AgentID, r.Workspace, r.Requester, r.Status,
		r.Approvers, r.Snapshot, r.SLADeadline, r.EscalationCount)
	if err != nil {
		return fmt.Errorf("postgres: failed to create promotion request: %w", err)
	}
	return nil
}

func (s *Store) GetPromotionRequest(ctx context.Context, id string) (*domain.PromotionRequest, error) {
	query := `
		SELECT id, agent_id, workspace, requester, status, approvers, snapshot,
			sla_deadline, escalation_count, reviewer_id, comment, created_at, updated_at
		FROM promotion_requests WHERE id = $1`

	r := &domain.PromotionRequest{}
	var reviewerID, comment sql.NullString
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.AgentID, &r.Workspace, &r.Requester, &r.Status, &r.Approvers, &r.Snapshot,
		&r.SLADeadline, &r.EscalationCount, &reviewerID, &comment, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch promotion request: %w", err)
	}

	// Маппим NULL значения в указатели
	if reviewerID.Valid {
		val := reviewerID.String
		r.ReviewerID = &val
	}
	if comment.Valid {
		val := comment.String
		r.Comment = &val
	}
	return r, nil
}

// FindPromotionRequests — Decision Queue для консоли.
func (s *Store) FindPromotionRequests(ctx context.Context, status domain.PromotionStatus) ([]*domain.PromotionRequest, error) {
	query := `
		SELECT id, agent_id, workspace, requester, status, approvers, snapshot,
			sla_deadline, escalation_count, reviewer_id, comment, created_at, updated_at
		FROM promotion_requests`

	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query promotion requests: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.PromotionRequest, 0)
	for rows.Next() {
		r := &domain.PromotionRequest{}
		var reviewerID, comment sql.NullString
		err := rows.Scan(
			&r.ID, &r.AgentID, &r.Workspace, &r.Requester, &r.Status, &r.Approvers, &r.Snapshot,
			&r.SLADeadline, &r.EscalationCount, &reviewerID, &comment, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan promotion request: %w", err)
		}
		if reviewerID.Valid {
			val := reviewerID.String
			r.ReviewerID = &val
		}
		if comment.Valid {
			val := comment.String
			r.Comment = &val
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpdatePromotionStatus атомарно двигает заявку из from в to.
// Возвращает agent_id через RETURNING — без предварительного SELECT и
// связанного с ним Race Condition. Ноль строк: либо ID неверный, либо
// решение уже принято ранее => Conflict.
func (s *Store) UpdatePromotionStatus(ctx context.Context, id string, from, to domain.PromotionStatus, reviewerID, comment string) (string, error) {
	var agentID string
	query := `
		UPDATE promotion_requests
		SET status = $1,
		    reviewer_id = NULLIF($2, ''),
		    comment = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING agent_id`

	err := s.pool.QueryRow(ctx, query, to, reviewerID, comment, id, from).Scan(&agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.Conflict(fmt.Sprintf("promotion request %s not in %s or already processed", id, from))
		}
		return "", fmt.Errorf("postgres: failed to update promotion status: %w", err)
	}
	return agentID, nil
}

// CancelPromotionRequest переводит любую нетерминальную заявку в CANCELLED.
func (s *Store) CancelPromotionRequest(ctx context.Context, id, reviewerID, comment string) (string, error) {
	var agentID string
	query := `
		UPDATE promotion_requests
		SET status = 'CANCELLED',
		    reviewer_id = NULLIF($1, ''),
		    comment = NULLIF($2, ''),
		    updated_at = NOW()
		WHERE id = $3 AND status IN ('PENDING', 'APPROVED')
		RETURNING agent_id`

	err := s.pool.QueryRow(ctx, query, reviewerID, comment, id).Scan(&agentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.Conflict(fmt.Sprintf("promotion request %s is terminal or missing", id))
		}
		return "", fmt.Errorf("postgres: failed to cancel promotion request: %w", err)
	}
	return agentID, nil
}
