package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/domain"
)

// TokenValidator — интерфейс, который реализует консольный auth-сервис
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные актора в контекст
			ctx := context.WithValue(r.Context(), "user_id", claims.UserID)
			ctx = context.WithValue(ctx, "user_role", claims.Role)
			ctx = context.WithValue(ctx, "user_scopes", claims.Scopes)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext собирает данные актора, положенные Middleware.
func ActorFromContext(ctx context.Context) (id, role string) {
	if v, ok := ctx.Value("user_id").(string); ok {
		id = v
	}
	if v, ok := ctx.Value("user_role").(string); ok {
		role = v
	}
	return id, role
}
