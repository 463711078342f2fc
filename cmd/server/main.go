package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"creditgate/backend/internal/apikey"
	"creditgate/backend/internal/auth"
	jwtpkg "creditgate/backend/internal/auth/jwt"
	"creditgate/backend/internal/billing"
	"creditgate/backend/internal/config"
	"creditgate/backend/internal/gateway"
	"creditgate/backend/internal/health"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/logger"
	"creditgate/backend/internal/monitoring"
	"creditgate/backend/internal/pool"
	"creditgate/backend/internal/ratelimit"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage"
	"creditgate/backend/internal/storage/memory"
	"creditgate/backend/internal/storage/postgres"
	"creditgate/backend/internal/storage/redis"
	httptransport "creditgate/backend/internal/transport/http"
	"creditgate/backend/internal/upstream"
	"creditgate/backend/internal/usage"
)

// 内存限流器清理间隔
const limiterSweepInterval = time.Minute

// main 启动计费网关 HTTP 服务及其后台任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting creditgate server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics(nil)
	healthChecker := health.NewHealthChecker(log)

	// 初始化存储层
	store, sink, closeStorage, err := initializeStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStorage()
	healthChecker.AddReadiness("store", health.PingerFunc(store.Health))

	// 初始化限流器
	limiter, sweeper, closeLimiter, err := initializeLimiter(ctx, cfg, log, healthChecker)
	if err != nil {
		log.Fatal("failed to initialize rate limiter", zap.Error(err))
	}
	defer closeLimiter()

	hasher, err := apikey.NewHasher(cfg.APIKey.HashCost)
	if err != nil {
		log.Fatal("failed to initialize api key hasher", zap.Error(err))
	}
	touches := pool.NewWorkerPool(cfg.APIKey.TouchWorkers, cfg.APIKey.TouchQueue, log)

	// 初始化服务层
	l := ledger.New(store, metrics, log)
	keyService := service.NewAPIKeyService(store, store, hasher, touches, metrics, log)
	accountService := service.NewAccountService(store, store, l, cfg.Credits.SignupBonus, log)
	reconciler := billing.NewReconciler(
		store, l,
		billing.NewSignatureVerifier(cfg.Payment.WebhookSecret, cfg.Payment.SignatureTolerance),
		cfg.Payment.CreditsPerMinorUnit,
		metrics, log,
	)
	recorder := usage.NewRecorder(sink, cfg.Usage, metrics, log)

	gw := gateway.New(gateway.Options{
		Verifier:  keyService,
		Limiter:   limiter,
		Policy:    ratelimit.NewTierPolicy(cfg.RateLimit),
		Extractor: upstream.NewClient(cfg.Upstream, metrics, log),
		Ledger:    l,
		Recorder:  recorder,
		Pricing:   gateway.NewPricing(cfg.Pricing),
		Timeout:   cfg.Upstream.Timeout,
		Metrics:   metrics,
		Log:       log,
	})

	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)

	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
		zap.Duration("refresh_expiry", cfg.JWT.RefreshExpiry),
	)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:           cfg,
		IdentityVerifier: auth.NewIdentityVerifier(cfg.Identity),
		AccountService:   accountService,
		APIKeyService:    keyService,
		Reconciler:       reconciler,
		Gateway:          gw,
		JWTManager:       jwtManager,
		Metrics:          metrics,
		Health:           healthChecker,
		Logger:           log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 密钥使用时间异步更新
	touches.Start(groupCtx)

	// 请求日志批量写入，持续失败时返回错误并触发关闭。
	// HTTP 服务停止后才取消，保证处理中的请求日志能被写入
	recorderCtx, stopRecorder := context.WithCancel(context.WithoutCancel(groupCtx))
	defer stopRecorder()
	group.Go(func() error {
		log.Info("starting usage recorder", zap.Int("batch_size", cfg.Usage.BatchSize))
		return recorder.Run(recorderCtx)
	})

	if sweeper != nil {
		group.Go(func() error {
			log.Info("starting rate limiter sweep", zap.Duration("interval", limiterSweepInterval))
			return sweeper.Run(groupCtx, limiterSweepInterval)
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先停止接收请求，再排空密钥更新队列
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		touches.Stop()
		stopRecorder()

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, usage.ErrSustainedFailure) {
			log.Error("usage log storage is failing persistently, server stopped", zap.Error(err))
		}
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择存储
//
// PostgreSQL 下请求日志通过 pgx COPY 写入；其他情况直接写入主存储。
func initializeStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, usage.Sink, func(), error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Warn("using memory storage (development mode), data is lost on restart")
		store := memory.NewStore()
		return store, store, func() {}, nil
	}

	log.Info("initializing database storage", zap.String("database_type", cfg.Database.Type))
	store, err := postgres.Open(&cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.Database.Type != "postgres" && cfg.Database.Type != "postgresql" {
		return store, store, func() { _ = store.Close() }, nil
	}

	client, err := postgres.New(ctx, &cfg.Database, log)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	closeAll := func() {
		client.Close()
		_ = store.Close()
	}
	return store, postgres.NewUsageSink(client), closeAll, nil
}

// initializeLimiter 创建限流器；内存实现额外返回需要后台清理的实例
func initializeLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger, hc *health.HealthChecker) (ratelimit.Limiter, *ratelimit.MemoryLimiter, func(), error) {
	if cfg.RateLimit.Backend != "redis" {
		log.Info("using in-process rate limiter")
		limiter := ratelimit.NewMemoryLimiter()
		return limiter, limiter, func() {}, nil
	}

	client, err := redis.New(ctx, &cfg.Redis, log)
	if err != nil {
		return nil, nil, nil, err
	}
	hc.AddReadiness("redis", client)
	log.Info("using redis rate limiter", zap.String("address", cfg.Redis.Address))
	return ratelimit.NewRedisLimiter(client, log), nil, func() { _ = client.Close() }, nil
}
