// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"nano-banana-proxy/internal/domain/entity"
)

// AccountRepository 账户余额数据访问接口
//
// ConditionalDecrement 依赖存储层单条 UPDATE 的原子性，
// 不需要显式行锁即可在并发下保证余额不为负。
type AccountRepository interface {
	// GetByID 按 ID 查询账户
	GetByID(ctx context.Context, id string) (*entity.Account, error)
	// ConditionalDecrement 当 balance >= amount 时原子扣减并返回扣减后余额；
	// 条件不满足时 ok 为 false，balance 返回当前余额
	ConditionalDecrement(ctx context.Context, accountID string, amount int64) (balance int64, ok bool, err error)
	// Increment 无条件回补并返回回补后余额
	Increment(ctx context.Context, accountID string, amount int64) (int64, error)
}

// LedgerEntryRepository 余额流水数据访问接口
type LedgerEntryRepository interface {
	// Append 追加一条流水
	Append(ctx context.Context, entry *entity.LedgerEntry) error
	// ListByAccount 按账户查询最近流水
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*entity.LedgerEntry, error)
	// SumByAccount 汇总账户全部流水金额（用于一致性校验）
	SumByAccount(ctx context.Context, accountID string) (int64, error)
}

// UsageRecordRepository 调度记录数据访问接口
type UsageRecordRepository interface {
	// Create 追加一条调度记录
	Create(ctx context.Context, record *entity.UsageRecord) error
	// ListByAccount 按账户查询最近记录
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*entity.UsageRecord, error)
}
