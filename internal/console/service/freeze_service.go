package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/infra"
)

// FreezeService — рубильник incident freeze. Значение ключа — кто и когда
// включил, для пост-инцидентного разбора.
type FreezeService struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewFreezeService(rdb *redis.Client, logger *zap.Logger) *FreezeService {
	return &FreezeService{rdb: rdb, logger: logger.Named("freeze")}
}

func (s *FreezeService) Enable(ctx context.Context, actorID, reason string) error {
	val := actorID + "|" + reason + "|" + time.Now().UTC().Format(time.RFC3339)
	if err := s.rdb.Set(ctx, infra.RedisKeyIncidentFreeze, val, 0).Err(); err != nil {
		return err
	}
	s.logger.Warn("incident freeze ENABLED",
		zap.String("actor", actorID),
		zap.String("reason", reason))
	return nil
}

func (s *FreezeService) Disable(ctx context.Context, actorID string) error {
	if err := s.rdb.Del(ctx, infra.RedisKeyIncidentFreeze).Err(); err != nil {
		return err
	}
	s.logger.Warn("incident freeze disabled", zap.String("actor", actorID))
	return nil
}

func (s *FreezeService) Active(ctx context.Context) (bool, string, error) {
	val, err := s.rdb.Get(ctx, infra.RedisKeyIncidentFreeze).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, val, nil
}
