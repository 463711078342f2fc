package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditgate/backend/internal/auth"
	jwtpkg "creditgate/backend/internal/auth/jwt"
	"creditgate/backend/internal/billing"
	"creditgate/backend/internal/config"
	"creditgate/backend/internal/gateway"
	"creditgate/backend/internal/health"
	"creditgate/backend/internal/middleware"
	"creditgate/backend/internal/monitoring"
	"creditgate/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config           *config.Config
	IdentityVerifier *auth.IdentityVerifier
	AccountService   *service.AccountService
	APIKeyService    *service.APIKeyService
	Reconciler       *billing.Reconciler
	Gateway          *gateway.Gateway
	JWTManager       *jwtpkg.Manager
	Metrics          *monitoring.Metrics // 为 nil 时不暴露 /metrics
	Health           *health.HealthChecker
	Logger           *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(deps.Config.Server.TrustedProxies); err != nil {
		deps.Logger.Warn("invalid trusted proxies, ignoring", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(middleware.RequestID())
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderAPIKey},
		ExposeHeaders: []string{
			"Content-Length",
			middleware.HeaderRequestID,
			"Retry-After",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"X-Credits-Charged",
			"X-Credits-Remaining",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	authHandler := NewAuthHandler(deps.IdentityVerifier, deps.AccountService, deps.JWTManager, deps.Logger)
	accountHandler := NewAccountHandler(deps.AccountService, deps.Logger)
	apiKeyHandler := NewAPIKeyHandler(deps.APIKeyService, deps.Logger)
	billingHandler := NewBillingHandler(deps.Reconciler, deps.Logger)
	extractHandler := NewExtractHandler(deps.Gateway)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)
	jsonLimit := middleware.BodySizeLimit(middleware.DefaultBodyLimit)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Auth Routes ==========
		authRoutes := v1.Group("/auth", jsonLimit)
		{
			authRoutes.POST("/session", authHandler.Session)
			authRoutes.POST("/refresh", authHandler.Refresh)
		}

		// ========== Account Routes ==========
		accountRoutes := v1.Group("/account", jwtAuth.RequireAuth())
		{
			accountRoutes.GET("", accountHandler.GetAccount)
			accountRoutes.GET("/transactions", accountHandler.ListTransactions)
			accountRoutes.GET("/usage", accountHandler.ListUsage)
		}

		// ========== API Key Routes ==========
		apiKeyRoutes := v1.Group("/api-keys", jwtAuth.RequireAuth(), jsonLimit)
		{
			apiKeyRoutes.POST("", apiKeyHandler.CreateAPIKey)                     // 创建API Key
			apiKeyRoutes.GET("", apiKeyHandler.ListAPIKeys)                       // 列出API Keys
			apiKeyRoutes.GET("/:id", apiKeyHandler.GetAPIKey)                     // 获取API Key详情
			apiKeyRoutes.PATCH("/:id", apiKeyHandler.UpdateAPIKey)                // 重命名
			apiKeyRoutes.DELETE("/:id", apiKeyHandler.DeleteAPIKey)               // 删除API Key
			apiKeyRoutes.POST("/:id/revoke", apiKeyHandler.RevokeAPIKey)          // 撤销
			apiKeyRoutes.POST("/:id/reactivate", apiKeyHandler.ReactivateAPIKey) // 重新激活
		}

		// ========== Billing Routes ==========
		billingRoutes := v1.Group("/billing", jwtAuth.RequireAuth(), jsonLimit)
		{
			billingRoutes.POST("/intents", billingHandler.CreateIntent)
			billingRoutes.GET("/purchases/:externalId", billingHandler.GetPurchase)
		}

		// 支付处理方回调，只认签名
		v1.POST("/webhooks/payments", middleware.BodySizeLimit(middleware.WebhookBodyLimit), billingHandler.PaymentWebhook)

		// ========== Metered Routes ==========
		v1.GET("/extract/:platform", extractHandler.Extract)
	}

	return router
}
