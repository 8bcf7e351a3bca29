package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-governance-core/internal/admission"
	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/hotreload"
	"github.com/xela07ax/spaceai-governance-core/internal/infra"
	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
	"github.com/xela07ax/spaceai-governance-core/internal/repository/postgres"
	"github.com/xela07ax/spaceai-governance-core/internal/signer"
)

// admitd — плоскость данных: проверка допуска на hot path запуска агента
// плюс каскад ревалидации по сигналу перезагрузки политик.
func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.BuildLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Ресурсы: Postgres, Redis, gRPC движка политик
	store, err := postgres.NewStore(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	conn, err := grpc.Dial(cfg.Policy.EvaluatorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal("failed to dial policy evaluator", zap.Error(err))
	}
	defer conn.Close()

	// 3. Цепочка оценки политик: транспорт -> надежность -> fail-closed
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	grpcClient := policyclient.NewGRPCClient(conn, cfg.Policy.CallTimeout, m, logger)
	reliable := policyclient.NewReliable(grpcClient)
	evaluator := policyclient.NewFailClosed(reliable, logger)

	// 4. Журнал AgentHistory (асинхронные пачки)
	trail := audit.NewTrail(store, cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, m, logger)
	trail.Start()
	defer trail.Stop()

	// Ключ проверки подписей proof (опционален: без него подпись не перепроверяется)
	var verifier signer.Authority
	if len(cfg.Promotion.VerifyKey) > 0 {
		verifier, err = signer.NewRSAVerifier(cfg.Promotion.AuthorityID, cfg.Promotion.VerifyKey)
		if err != nil {
			logger.Fatal("failed to load proof verify key", zap.Error(err))
		}
	}

	controller := admission.NewController(store, verifier, trail, m, logger)

	// 5. Каскад ревалидации по сигналу из консоли
	signals := hotreload.NewRedisSignals(rdb)
	coordinator := hotreload.NewCoordinator(store, evaluator, signals, signals, trail, m, cfg.Policy.RevalWorkers, logger)
	go hotreload.ListenReloadResilient(appCtx, rdb, logger, cfg.Policy.DefaultSet, func(ctx context.Context, policySet string) {
		if _, err := coordinator.Revalidate(ctx, policySet); err != nil {
			logger.Error("revalidation cascade failed",
				zap.String("policy_set", policySet), zap.Error(err))
		}
	})

	// 6. HTTP API допуска
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/agents/{id}/can-start", func(w http.ResponseWriter, req *http.Request) {
		d, _ := controller.CanStart(req.Context(), chi.URLParam(req, "id"))
		status := http.StatusOK
		if !d.Allowed {
			status = http.StatusForbidden
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"allowed":%t,"reason":%q,"agent_id":%q}`, d.Allowed, d.Reason, d.AgentID)
	})

	// Метрики на отдельном порту
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("admitd started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("admitd stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel() // Останавливаем слушателя сигналов и каскад
	logger.Info("admitd exited properly")
}
