package infra

import "fmt"

const (
	// RedisNamespace — базовый префикс для изоляции данных ядра в Redis
	RedisNamespace = "gov"
)

// Ключи состояния
const (
	// RedisKeyIncidentFreeze — флаг активного incident freeze.
	// Существование ключа блокирует создание и исполнение промоушенов.
	RedisKeyIncidentFreeze = RedisNamespace + ":freeze:incident"

	RedisKeyPromotionLockPrefix = RedisNamespace + ":lock:promotion:"
	RedisKeyRevalDonePrefix     = RedisNamespace + ":reval:done:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyReload — консоль публикует имя policy set после
	// установки новой current-версии; admitd запускает каскад ревалидации.
	RedisChanPolicyReload = RedisNamespace + ":policy:reload-signal"
)

// GetPromotionLockKey — advisory-лок сериализации промоушена одного агента.
func GetPromotionLockKey(agentID string) string {
	return RedisKeyPromotionLockPrefix + agentID
}

// GetRevalDoneKey — чекпоинт обработанных агентов каскада ревалидации.
func GetRevalDoneKey(policyVersionID string) string {
	return fmt.Sprintf("%s%s", RedisKeyRevalDonePrefix, policyVersionID)
}
