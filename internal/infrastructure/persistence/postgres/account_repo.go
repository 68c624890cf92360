// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	apperrors "nano-banana-proxy/pkg/errors"

	"nano-banana-proxy/internal/domain/entity"
)

type AccountRepository struct {
	client *Client
}

func NewAccountRepository(client *Client) *AccountRepository {
	return &AccountRepository{client: client}
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	ctx, span := tracer.Start(ctx, "postgres.AccountRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var account entity.Account
	if err := db.Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ConditionalDecrement 单条带谓词的 UPDATE，原子完成"校验余额并扣减"。
// 谓词失败时不落任何变更，返回当前余额供调用方生成精确的错误信息。
func (r *AccountRepository) ConditionalDecrement(ctx context.Context, accountID string, amount int64) (int64, bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.AccountRepository.ConditionalDecrement")
	span.SetAttributes(attribute.Int64("ledger.amount", amount))
	defer span.End()

	db := getDB(ctx, r.client.db)

	var balance int64
	result := db.Raw(
		"UPDATE accounts SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND balance >= ? RETURNING balance",
		amount, accountID, amount,
	).Scan(&balance)
	if result.Error != nil {
		span.RecordError(result.Error)
		return 0, false, fmt.Errorf("failed to decrement balance: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return balance, true, nil
	}

	// 谓词未命中：区分余额不足与账户不存在
	account, err := r.GetByID(ctx, accountID)
	if err != nil {
		return 0, false, err
	}
	return account.Balance, false, nil
}

// Increment 无条件回补
func (r *AccountRepository) Increment(ctx context.Context, accountID string, amount int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.AccountRepository.Increment")
	span.SetAttributes(attribute.Int64("ledger.amount", amount))
	defer span.End()

	db := getDB(ctx, r.client.db)

	var balance int64
	result := db.Raw(
		"UPDATE accounts SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? RETURNING balance",
		amount, accountID,
	).Scan(&balance)
	if result.Error != nil {
		span.RecordError(result.Error)
		return 0, fmt.Errorf("failed to increment balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, apperrors.ErrAccountNotFound
	}
	return balance, nil
}
