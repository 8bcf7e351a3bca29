package promotion

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-governance-core/internal/infra"
)

// RedisGate — стоп-сигналы промоушена поверх Redis.
// Freeze — существование ключа, лок — SetNX с TTL против зависших держателей.
type RedisGate struct {
	rdb     *redis.Client
	lockTTL time.Duration
}

func NewRedisGate(rdb *redis.Client, lockTTL time.Duration) *RedisGate {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &RedisGate{rdb: rdb, lockTTL: lockTTL}
}

func (g *RedisGate) FrozenActive(ctx context.Context) (bool, error) {
	n, err := g.rdb.Exists(ctx, infra.RedisKeyIncidentFreeze).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGate) AcquireLock(ctx context.Context, agentID string) (bool, error) {
	return g.rdb.SetNX(ctx, infra.GetPromotionLockKey(agentID), "1", g.lockTTL).Result()
}

func (g *RedisGate) ReleaseLock(ctx context.Context, agentID string) error {
	return g.rdb.Del(ctx, infra.GetPromotionLockKey(agentID)).Err()
}
