// Package router 组装 HTTP 路由
package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nano-banana-proxy/internal/config"
	"nano-banana-proxy/internal/infrastructure/persistence/redis"
	"nano-banana-proxy/internal/interfaces/http/handler"
	"nano-banana-proxy/internal/interfaces/http/middleware"
)

// Handlers 路由依赖的全部处理器
type Handlers struct {
	Generate *handler.GenerateHandler
	Token    *handler.TokenHandler
	Account  *handler.AccountHandler
	Health   *handler.HealthHandler
}

// New 创建 gin 引擎并注册路由
func New(cfg *config.Config, handlers *Handlers, limiter *redis.RateLimiter) *gin.Engine {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Metrics(),
		corsMiddleware(&cfg.Security.CORS),
	)

	engine.GET("/health", handlers.Health.Health)
	if cfg.Observability.Metrics.Enabled {
		engine.GET(cfg.Observability.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := engine.Group("/v1")
	v1.Use(
		middleware.RequireAccount(),
		middleware.RateLimit(limiter, &cfg.Security.RateLimit),
	)
	{
		v1.POST("/generate", handlers.Generate.Generate)
		v1.POST("/generate/stream", handlers.Generate.GenerateStream)

		account := v1.Group("/account")
		{
			account.GET("/balance", handlers.Account.Balance)
			account.GET("/ledger", handlers.Account.Entries)
			account.GET("/usage", handlers.Account.Usage)
		}
	}

	// 管理面路由由部署层面做访问控制
	admin := engine.Group("/admin")
	{
		admin.POST("/tokens", handlers.Token.Create)
		admin.GET("/tokens", handlers.Token.List)
		admin.GET("/tokens/:id", handlers.Token.Get)
		admin.PATCH("/tokens/:id", handlers.Token.Update)
		admin.PUT("/tokens/:id/active", handlers.Token.SetActive)
	}

	return engine
}

func corsMiddleware(cfg *config.CORSConfig) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	}
	if len(corsCfg.AllowMethods) == 0 {
		corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(corsCfg.AllowHeaders) == 0 {
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-Account-ID"}
	}
	return cors.New(corsCfg)
}
