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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-governance-core/internal/audit"
	"github.com/xela07ax/spaceai-governance-core/internal/console/handler"
	"github.com/xela07ax/spaceai-governance-core/internal/console/server"
	"github.com/xela07ax/spaceai-governance-core/internal/console/service"
	"github.com/xela07ax/spaceai-governance-core/internal/hotreload"
	"github.com/xela07ax/spaceai-governance-core/internal/infra"
	infraauth "github.com/xela07ax/spaceai-governance-core/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance-core/internal/lifecycle"
	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
	"github.com/xela07ax/spaceai-governance-core/internal/policyclient"
	"github.com/xela07ax/spaceai-governance-core/internal/promotion"
	"github.com/xela07ax/spaceai-governance-core/internal/repository/postgres"
	"github.com/xela07ax/spaceai-governance-core/internal/signer"
)

// console — плоскость управления: жизненный цикл агентов, промоушены,
// установка политик, incident freeze.
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

	// 2. Ресурсы
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

	// 3. Ключевой материал: JWT консоли и подписывающий авторитет proof
	jwtKey, err := infraauth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to load console signing key", zap.Error(err))
	}
	authority, err := signer.NewRSAAuthority(cfg.Promotion.AuthorityID, cfg.Promotion.SigningKey)
	if err != nil {
		logger.Fatal("failed to load proof authority key", zap.Error(err))
	}

	// 4. Цепочка оценки политик (та же, что в admitd)
	m := metrics.New(nil)
	grpcClient := policyclient.NewGRPCClient(conn, cfg.Policy.CallTimeout, m, logger)
	evaluator := policyclient.NewFailClosed(policyclient.NewReliable(grpcClient), logger)

	// 5. Журнал и сервисы ядра
	trail := audit.NewTrail(store, cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval, m, logger)
	trail.Start()
	defer trail.Stop()

	machine := lifecycle.NewMachine(store, evaluator, trail, cfg.Policy.DefaultSet, cfg.Lifecycle.SandboxTTL, logger)
	gate := promotion.NewRedisGate(rdb, cfg.Promotion.LockTTL)
	workflow := promotion.NewWorkflow(store, evaluator, authority, gate, trail, m,
		promotion.Mode(cfg.Promotion.Mode), logger)

	signals := hotreload.NewRedisSignals(rdb)
	coordinator := hotreload.NewCoordinator(store, evaluator, signals, signals, trail, m,
		cfg.Policy.RevalWorkers, logger)

	authService := service.NewAuthService(store, jwtKey)
	freezeService := service.NewFreezeService(rdb, logger)

	// 6. HTTP-слой
	srvHandler := server.NewConsoleServer(
		cfg,
		logger,
		authService,
		handler.NewAuthHandler(authService),
		handler.NewAgentHandler(machine, workflow, store),
		handler.NewPromotionHandler(workflow),
		handler.NewPolicyHandler(coordinator, evaluator, store, cfg.Policy.DefaultSet),
		handler.NewFreezeHandler(freezeService),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("console stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
