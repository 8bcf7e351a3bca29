package hotreload

/*
Файл listener.go — "живучая" подписка плоскости данных на сигнал
перезагрузки политик. Payload сообщения — имя policy set. Потерянный
сигнал не фатален: каскад можно запустить руками через
POST /v1/policies/revalidate.
*/

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/infra"
)

// RedisSignals реализует Checkpoint и Notifier поверх одного клиента Redis.
type RedisSignals struct {
	rdb *redis.Client
	ttl time.Duration // Срок жизни чекпоинт-сета
}

func NewRedisSignals(rdb *redis.Client) *RedisSignals {
	return &RedisSignals{rdb: rdb, ttl: 24 * time.Hour}
}

func (s *RedisSignals) PublishReload(ctx context.Context, policySet string) error {
	return s.rdb.Publish(ctx, infra.RedisChanPolicyReload, policySet).Err()
}

func (s *RedisSignals) Done(ctx context.Context, versionID, agentID string) (bool, error) {
	return s.rdb.SIsMember(ctx, infra.GetRevalDoneKey(versionID), agentID).Result()
}

func (s *RedisSignals) MarkDone(ctx context.Context, versionID, agentID string) error {
	key := infra.GetRevalDoneKey(versionID)
	if err := s.rdb.SAdd(ctx, key, agentID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, s.ttl).Err()
}

// ListenReloadResilient — цикл подписки на сигнал перезагрузки.
// Обрабатывает переподключения: после каждого успешного коннекта
// выполняется полная ревалидация набора по умолчанию, чтобы закрыть окно,
// в котором сигнал мог быть пропущен.
func ListenReloadResilient(ctx context.Context, rdb *redis.Client, logger *zap.Logger, defaultSet string, revalidate func(ctx context.Context, policySet string)) {
	reconnects := 0
	for {
		pubsub := rdb.Subscribe(ctx, infra.RedisChanPolicyReload)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe",
				zap.String("chan", infra.RedisChanPolicyReload), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Ресинк после (пере)подключения
		if reconnects > 0 {
			logger.Info("resubscribed to reload signal, running catch-up revalidation")
			revalidate(ctx, defaultSet)
		}
		reconnects++

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				policySet := msg.Payload
				if policySet == "" {
					policySet = defaultSet
				}
				logger.Info("reload signal received", zap.String("policy_set", policySet))
				revalidate(ctx, policySet)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
