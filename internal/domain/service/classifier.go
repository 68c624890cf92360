// Package service 提供无状态的领域服务
package service

import (
	"encoding/json"
	"strings"
)

// Category 上游调用结果的归类，决定计费、凭证状态与是否继续换凭证重试
type Category string

const (
	CategorySuccess        Category = "success"
	CategoryMalformed      Category = "malformed"
	CategoryQuotaExhausted Category = "quota_exhausted"
	CategoryAuthFailure    Category = "auth_failure"
	CategoryRateLimited    Category = "rate_limited"
	CategoryTimeout        Category = "timeout"
	CategoryServerError    Category = "server_error"
	CategoryClientError    Category = "client_error"
)

// Retryable 是否允许换下一个凭证继续尝试。
// 只有请求本身有问题（ClientError）才终止失败转移。
func (c Category) Retryable() bool {
	switch c {
	case CategorySuccess, CategoryClientError:
		return false
	default:
		return true
	}
}

// 配额类与限流类关键词。限流词只在配额词也命中时参与判定，
// 用于消歧："rate limit exceeded" 含 exceeded，但语义是限流而非欠费。
var (
	quotaKeywords = []string{
		"quota", "insufficient", "exceeded", "balance",
		"credit", "billing", "配额", "余额", "额度", "欠费",
	}
	rateLimitKeywords = []string{
		"rate limit", "too many requests", "frequency", "频率", "限流",
	}
)

// Classify 根据上游 HTTP 状态码与响应体归类一次调用结果
func Classify(statusCode int, body []byte) Category {
	if statusCode == 200 {
		if json.Valid(body) {
			return CategorySuccess
		}
		return CategoryMalformed
	}

	if statusCode == 402 {
		return CategoryQuotaExhausted
	}

	lower := strings.ToLower(string(body))
	if containsAny(lower, quotaKeywords) {
		if containsAny(lower, rateLimitKeywords) {
			return CategoryRateLimited
		}
		return CategoryQuotaExhausted
	}

	switch {
	case statusCode == 401 || statusCode == 403:
		return CategoryAuthFailure
	case statusCode == 408:
		return CategoryTimeout
	case statusCode == 429:
		return CategoryRateLimited
	case statusCode >= 500:
		return CategoryServerError
	case statusCode == 400:
		return CategoryClientError
	default:
		return CategoryServerError
	}
}

// ClassifyTransport 网络层错误（连接失败、超时）的归类
func ClassifyTransport(isTimeout bool) Category {
	if isTimeout {
		return CategoryTimeout
	}
	return CategoryServerError
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
