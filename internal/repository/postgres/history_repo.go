package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
)

// WriteBatch — пакетная вставка строк журнала (реализация audit.StorageInterface).
func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице agent_history
	numFields := 10
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		meta, _ := json.Marshal(e.Metadata)
		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Type, e.Actor,
			e.OldStatus, e.NewStatus, e.Reason, meta, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO agent_history (id, trace_id, agent_id, event_type, actor, old_status, new_status, reason, metadata, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := s.pool.Exec(ctx, query, vals...)
	return err
}

// ListHistory возвращает журнал агента, свежие записи первыми.
func (s *Store) ListHistory(ctx context.Context, agentID string, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, trace_id, agent_id, event_type, actor, old_status, new_status, reason, metadata, timestamp
		FROM agent_history
		WHERE agent_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query history: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Event, 0)
	for rows.Next() {
		var e audit.Event
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TraceID, &e.AgentID, &e.Type, &e.Actor,
			&e.OldStatus, &e.NewStatus, &e.Reason, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan history row: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
