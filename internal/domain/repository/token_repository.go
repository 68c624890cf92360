// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"nano-banana-proxy/internal/domain/entity"
)

// TokenRepository Token 凭证数据访问接口
type TokenRepository interface {
	// Create 新增凭证
	Create(ctx context.Context, token *entity.Token) error
	// GetByID 按 ID 查询
	GetByID(ctx context.Context, id string) (*entity.Token, error)
	// GetForUpdate 按 ID 查询并加行锁，必须在事务内调用
	GetForUpdate(ctx context.Context, id string) (*entity.Token, error)
	// Update 全量更新凭证
	Update(ctx context.Context, token *entity.Token) error
	// ListSelectable 列出当前可调度的凭证，按
	// priority DESC, total_requests ASC, last_used_at ASC NULLS FIRST 排序
	ListSelectable(ctx context.Context) ([]*entity.Token, error)
	// List 列出全部凭证（管理面）
	List(ctx context.Context) ([]*entity.Token, error)
	// SetActive 启用/停用凭证（管理面）
	SetActive(ctx context.Context, id string, active bool) error
}
