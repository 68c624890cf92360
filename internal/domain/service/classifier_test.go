package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Category
	}{
		{"200 合法 JSON", 200, `{"candidates":[{"content":{}}]}`, CategorySuccess},
		{"200 非 JSON 响应体", 200, `<html>upstream proxy error</html>`, CategoryMalformed},
		{"402 直接判定配额耗尽", 402, `{"error":"payment required"}`, CategoryQuotaExhausted},
		{"403 带配额关键词", 403, `{"error":{"message":"quota exceeded for this project"}}`, CategoryQuotaExhausted},
		{"403 带中文余额关键词", 403, `{"error":"账户余额不足"}`, CategoryQuotaExhausted},
		{"401 无关键词为认证失败", 401, `{"error":"invalid api key"}`, CategoryAuthFailure},
		{"403 无关键词为认证失败", 403, `{"error":"permission denied"}`, CategoryAuthFailure},
		{"429 常规限流", 429, `{"error":"resource exhausted"}`, CategoryRateLimited},
		{"500 配额词与限流词同现判限流", 500, `{"error":"rate limit exceeded, slow down"}`, CategoryRateLimited},
		{"401 仅含限流词仍为认证失败", 401, `{"error":"request frequency anomaly, key blocked"}`, CategoryAuthFailure},
		{"500 仅含限流词按状态码判定", 500, `{"error":"频率检测模块故障"}`, CategoryServerError},
		{"408 超时", 408, ``, CategoryTimeout},
		{"503 服务端错误", 503, `{"error":"service unavailable"}`, CategoryServerError},
		{"400 请求错误", 400, `{"error":"invalid argument: contents"}`, CategoryClientError},
		{"未知状态码兜底为服务端错误", 418, `{"error":"teapot"}`, CategoryServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, []byte(tt.body)))
		})
	}
}

func TestCategoryRetryable(t *testing.T) {
	assert.False(t, CategorySuccess.Retryable())
	assert.False(t, CategoryClientError.Retryable())

	for _, c := range []Category{
		CategoryMalformed, CategoryQuotaExhausted, CategoryAuthFailure,
		CategoryRateLimited, CategoryTimeout, CategoryServerError,
	} {
		assert.True(t, c.Retryable(), string(c))
	}
}

func TestClassifyTransport(t *testing.T) {
	assert.Equal(t, CategoryTimeout, ClassifyTransport(true))
	assert.Equal(t, CategoryServerError, ClassifyTransport(false))
}
