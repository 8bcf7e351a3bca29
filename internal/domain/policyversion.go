package domain

import (
	"encoding/json"
	"time"
)

// InvalidationRecord — запись в леджере инвалидаций PolicyVersion.
type InvalidationRecord struct {
	Reason string    `json:"reason"`
	Status string    `json:"status"` // Финальный governance_status агента
	At     time.Time `json:"at"`
}

// PolicyVersion — загруженный бандл политик. Создается при load/hot-reload,
// после создания мутируется только флаг is_current и леджер invalidated_agents.
// Хранится бессрочно для аудита.
//
// Инвариант: в рамках одного policy_set ровно одна версия может быть current
// (уникальный частичный индекс на (policy_set) WHERE is_current).
type PolicyVersion struct {
	ID        string `json:"id"`
	PolicySet string `json:"policy_set"`
	Version   int    `json:"version"`

	Bundle     json.RawMessage `json:"bundle"`
	PolicyHash string          `json:"policy_hash"` // sha256 от содержимого бандла

	RevokedSigners []string `json:"revoked_signers"`

	// Леджер: agent_id -> причина/время. Производная копия governance_status,
	// источник правды — строка агента (см. DESIGN.md).
	InvalidatedAgents map[string]InvalidationRecord `json:"invalidated_agents"`

	IsCurrent bool      `json:"is_current"`
	CreatedAt time.Time `json:"created_at"`
}

// SignerRevoked проверяет, отозван ли авторитет в этой версии политик.
func (pv *PolicyVersion) SignerRevoked(authority string) bool {
	for _, s := range pv.RevokedSigners {
		if s == authority {
			return true
		}
	}
	return false
}
