// Package dto 定义 HTTP 请求与响应结构
package dto

import (
	"time"

	"nano-banana-proxy/internal/domain/entity"
)

// CreateTokenRequest 新增凭证请求，Key 为明文密钥，只在本次请求中出现
type CreateTokenRequest struct {
	Name     string `json:"name" binding:"required,max=64"`
	Key      string `json:"key" binding:"required"`
	Priority int    `json:"priority"`
}

// UpdateTokenRequest 更新凭证请求，零值字段不变更
type UpdateTokenRequest struct {
	Name     *string `json:"name"`
	Priority *int    `json:"priority"`
}

// SetTokenActiveRequest 启用/停用凭证请求
type SetTokenActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// TokenView 凭证对外视图，永远不包含密钥明文或密文
type TokenView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	KeyMask       string     `json:"key_mask"`
	Priority      int        `json:"priority"`
	IsActive      bool       `json:"is_active"`
	FailureCount  int        `json:"failure_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	TotalRequests int64      `json:"total_requests"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewTokenView 从实体构建视图
func NewTokenView(token *entity.Token) *TokenView {
	return &TokenView{
		ID:            token.ID,
		Name:          token.Name,
		KeyMask:       token.KeyMask,
		Priority:      token.Priority,
		IsActive:      token.IsActive,
		FailureCount:  token.FailureCount,
		CooldownUntil: token.CooldownUntil,
		TotalRequests: token.TotalRequests,
		LastUsedAt:    token.LastUsedAt,
		CreatedAt:     token.CreatedAt,
	}
}

// NewTokenViews 批量构建视图
func NewTokenViews(tokens []*entity.Token) []*TokenView {
	views := make([]*TokenView, 0, len(tokens))
	for _, token := range tokens {
		views = append(views, NewTokenView(token))
	}
	return views
}
