package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/console/handler"
	"github.com/xela07ax/spaceai-governance-core/internal/infra"
	"github.com/xela07ax/spaceai-governance-core/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler      *handler.AuthHandler      // /auth/token
	agentHandler     *handler.AgentHandler     // /v1/agents (lifecycle)
	promotionHandler *handler.PromotionHandler // /v1/promotions (HITL)
	policyHandler    *handler.PolicyHandler    // /v1/policies (hot-reload)
	freezeHandler    *handler.FreezeHandler    // /v1/freeze (рубильник)
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	promotionH *handler.PromotionHandler,
	policyH *handler.PolicyHandler,
	freezeH *handler.FreezeHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		cfg:              cfg,
		authValidator:    validator,
		authHandler:      authH,
		agentHandler:     agentH,
		promotionHandler: promotionH,
		policyHandler:    policyH,
		freezeHandler:    freezeH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Жизненный цикл агентов
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List)
			r.Post("/", s.agentHandler.Create) // Новый draft
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.agentHandler.Get)
				r.Put("/spec", s.agentHandler.MutateSpec)   // Правка в draft/sandbox
				r.Post("/sandbox", s.agentHandler.Sandbox)  // draft -> sandbox
				r.Post("/sandbox/extend", s.agentHandler.ExtendSandbox)
				r.Post("/promote", s.agentHandler.Promote)  // sandbox -> governed (direct)
				r.Post("/fork", s.agentHandler.Fork)        // governed -> новый draft
				r.Post("/disable", s.agentHandler.Disable)  // Терминальное отключение
				r.Get("/history", s.agentHandler.History)   // Журнал AgentHistory
			})
		})

		// Human-in-the-loop (Promotion Requests)
		r.Route("/v1/promotions", func(r chi.Router) {
			r.Get("/", s.promotionHandler.List) // Очередь PENDING
			r.Post("/", s.promotionHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/approve", s.promotionHandler.Approve)
				r.Post("/reject", s.promotionHandler.Reject)
				r.Post("/cancel", s.promotionHandler.Cancel)
				r.Post("/execute", s.promotionHandler.Execute)
			})
		})

		// Управление бандлами политик
		r.Route("/v1/policies", func(r chi.Router) {
			r.Post("/reload", s.policyHandler.Reload)         // Установка новой версии
			r.Post("/revalidate", s.policyHandler.Revalidate) // Ручной каскад
			r.Post("/simulate", s.policyHandler.Simulate)     // What-if
		})

		// Incident freeze
		r.Route("/v1/freeze", func(r chi.Router) {
			r.Get("/", s.freezeHandler.Status)
			r.Post("/", s.freezeHandler.Enable)
			r.Delete("/", s.freezeHandler.Disable)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
