package spechash

/*
Файл hasher.go вычисляет детерминированный дайджест governance-значимой части
конфигурации агента. Контракт: одна и та же логическая конфигурация при любом
порядке полей дает один и тот же хэш; любое смысловое изменение governed-поля
хэш меняет. Волатильные поля (таймстемпы, счетчики, версии) в дайджест не
попадают принципиально — иначе proof инвалидировался бы сам собой.
*/

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

const prefix = "sha256:"

// Compute возвращает канонический дайджест спеки агента.
// Используется и при выпуске proof, и при каждой проверке допуска —
// это один и тот же код по построению.
func Compute(spec domain.AgentSpec) string {
	sum := sha256.Sum256(canonicalBytes(spec))
	return prefix + hex.EncodeToString(sum[:])
}

// canonicalBytes строит каноническую JSON-форму спеки.
// encoding/json сортирует ключи map — этого достаточно для стабильности
// по полям; allowlist capabilities нормализуем как множество.
func canonicalBytes(spec domain.AgentSpec) []byte {
	caps := make([]string, len(spec.Capabilities))
	copy(caps, spec.Capabilities)
	sort.Strings(caps)

	canonical := map[string]any{
		"role":          string(spec.Role),
		"system_prompt": spec.SystemPrompt,
		"model":         spec.Model,
		"capabilities":  caps,
		"limits": map[string]any{
			"max_tokens":         spec.Limits.MaxTokens,
			"max_calls_per_hour": spec.Limits.MaxCallsPerHour,
			"max_budget_usd":     spec.Limits.MaxBudgetUSD,
		},
	}

	// Marshal мапы с строковыми ключами не падает
	data, _ := json.Marshal(canonical)
	return data
}

// Matches сверяет текущую спеку с хэшем, записанным в proof.
func Matches(spec domain.AgentSpec, specHash string) bool {
	return Compute(spec) == specHash
}
