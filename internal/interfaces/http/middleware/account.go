// Package middleware 提供 HTTP 中间件
package middleware

import (
	"github.com/gin-gonic/gin"

	"nano-banana-proxy/internal/interfaces/http/dto"
	apperrors "nano-banana-proxy/pkg/errors"
	"nano-banana-proxy/pkg/logger"
)

const (
	// HeaderAccountID 调用方账户头，由前置的认证网关填入
	HeaderAccountID = "X-Account-ID"
	// ContextKeyAccountID gin 上下文中的账户 ID 键
	ContextKeyAccountID = "account_id"
)

// RequireAccount 提取调用方账户，缺失时拒绝请求
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetHeader(HeaderAccountID)
		if accountID == "" {
			dto.Error(c, apperrors.New(apperrors.CodeUnauthorized, "unauthorized").WithDetail("missing X-Account-ID header"))
			c.Abort()
			return
		}

		c.Set(ContextKeyAccountID, accountID)
		ctx := logger.WithContext(c.Request.Context(), logger.AccountIDKey, accountID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// AccountID 读取上下文中的账户 ID
func AccountID(c *gin.Context) string {
	return c.GetString(ContextKeyAccountID)
}
