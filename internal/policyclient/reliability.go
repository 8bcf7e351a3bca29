package policyclient

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// Reliable оборачивает Evaluator в Retry + Circuit Breaker + Rate Limiter.
// Ретраится только транспортная недоступность (UpstreamUnavailable);
// осмысленный deny возвращается сразу и никогда не повторяется автоматом.
// Ставится ПОД FailClosed: остаточная ошибка все равно превратится в deny.
type Reliable struct {
	next    Evaluator
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliable(next Evaluator) *Reliable {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "policy-engine",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	// Оценки политик дешевые, но движок один на всех — прижимаем клиента
	limiter := rate.NewLimiter(rate.Limit(200), 50)

	return &Reliable{next: next, cb: cb, limiter: limiter}
}

func (w *Reliable) Evaluate(ctx context.Context, agent *domain.Agent, hook Hook, actor Actor) (*domain.PolicyContext, error) {
	return w.call(ctx, func(ctx context.Context) (*domain.PolicyContext, error) {
		return w.next.Evaluate(ctx, agent, hook, actor)
	})
}

func (w *Reliable) Simulate(ctx context.Context, agent *domain.Agent, overrides map[string]any) (*domain.PolicyContext, error) {
	return w.call(ctx, func(ctx context.Context) (*domain.PolicyContext, error) {
		return w.next.Simulate(ctx, agent, overrides)
	})
}

func (w *Reliable) call(ctx context.Context, fn func(context.Context) (*domain.PolicyContext, error)) (*domain.PolicyContext, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("policy client rate limit: %w", err)
	}

	var result *domain.PolicyContext

	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.RetryIf(func(err error) bool {
				// deny/validation и прочие классифицированные ошибки не ретраим
				return domain.ClassOf(err) == domain.ClassUpstream
			}),
		)

		retryErr := r.Do(func() error {
			var callErr error
			result, callErr = fn(ctx)
			return callErr
		})

		return result, retryErr
	})

	if err != nil {
		return nil, err
	}

	return cbResult.(*domain.PolicyContext), nil
}
