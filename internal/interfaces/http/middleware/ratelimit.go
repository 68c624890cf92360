// Package middleware 提供 HTTP 中间件
package middleware

import (
	"github.com/gin-gonic/gin"

	"nano-banana-proxy/internal/config"
	"nano-banana-proxy/internal/infrastructure/persistence/redis"
	"nano-banana-proxy/internal/interfaces/http/dto"
	apperrors "nano-banana-proxy/pkg/errors"
	"nano-banana-proxy/pkg/logger"
)

// RateLimit 按账户滑动窗口限流，必须在 RequireAccount 之后挂载。
// 限流器故障时放行，可用性优先于限流精度。
func RateLimit(limiter *redis.RateLimiter, cfg *config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		accountID := AccountID(c)
		key := redis.BuildAccountRateLimitKey(accountID)
		allowed, err := limiter.Allow(c.Request.Context(), key, cfg.RequestsPerMin, cfg.Window)
		if err != nil {
			logger.Error(c.Request.Context(), "rate limiter unavailable", err, "account_id", accountID)
			c.Next()
			return
		}
		if !allowed {
			dto.Error(c, apperrors.ErrTooManyRequests)
			c.Abort()
			return
		}

		c.Next()
	}
}
