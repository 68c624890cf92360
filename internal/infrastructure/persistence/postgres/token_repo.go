// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "nano-banana-proxy/pkg/errors"

	"nano-banana-proxy/internal/domain/entity"
)

type TokenRepository struct {
	client *Client
}

func NewTokenRepository(client *Client) *TokenRepository {
	return &TokenRepository{client: client}
}

func (r *TokenRepository) Create(ctx context.Context, token *entity.Token) error {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(token).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

func (r *TokenRepository) GetByID(ctx context.Context, id string) (*entity.Token, error) {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var token entity.Token
	if err := db.Where("id = ?", id).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTokenNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

func (r *TokenRepository) GetForUpdate(ctx context.Context, id string) (*entity.Token, error) {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.GetForUpdate")
	defer span.End()

	db := getDB(ctx, r.client.db)
	// sqlite 的写事务天然串行，FOR UPDATE 只在 postgres 下需要
	if db.Dialector.Name() == "postgres" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var token entity.Token
	if err := db.Where("id = ?", id).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTokenNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to lock token: %w", err)
	}
	return &token, nil
}

func (r *TokenRepository) Update(ctx context.Context, token *entity.Token) error {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(token).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// ListSelectable 列出可调度凭证
//
// 排序是调度策略的一部分：高优先级优先；同优先级按累计请求数
// 升序摊薄热点；从未使用过的凭证（last_used_at 为 NULL）排最前。
func (r *TokenRepository) ListSelectable(ctx context.Context) ([]*entity.Token, error) {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.ListSelectable")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var tokens []*entity.Token
	err := db.
		Where("is_active = ?", true).
		Where("cooldown_until IS NULL OR cooldown_until <= ?", time.Now()).
		Order("priority DESC").
		Order("total_requests ASC").
		Order("last_used_at ASC NULLS FIRST").
		Find(&tokens).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list selectable tokens: %w", err)
	}
	return tokens, nil
}

func (r *TokenRepository) List(ctx context.Context) ([]*entity.Token, error) {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.List")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var tokens []*entity.Token
	if err := db.Order("priority DESC").Order("created_at ASC").Find(&tokens).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

func (r *TokenRepository) SetActive(ctx context.Context, id string, active bool) error {
	ctx, span := tracer.Start(ctx, "postgres.TokenRepository.SetActive")
	defer span.End()

	db := getDB(ctx, r.client.db)
	result := db.Model(&entity.Token{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("failed to set token active: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrTokenNotFound
	}
	return nil
}
