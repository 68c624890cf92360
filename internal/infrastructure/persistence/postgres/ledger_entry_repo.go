// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"nano-banana-proxy/internal/domain/entity"
)

type LedgerEntryRepository struct {
	client *Client
}

func NewLedgerEntryRepository(client *Client) *LedgerEntryRepository {
	return &LedgerEntryRepository{client: client}
}

func (r *LedgerEntryRepository) Append(ctx context.Context, entry *entity.LedgerEntry) error {
	ctx, span := tracer.Start(ctx, "postgres.LedgerEntryRepository.Append")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(entry).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (r *LedgerEntryRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*entity.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "postgres.LedgerEntryRepository.ListByAccount")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var entries []*entity.LedgerEntry
	err := db.Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

func (r *LedgerEntryRepository) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.LedgerEntryRepository.SumByAccount")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var total int64
	err := db.Model(&entity.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount),0)").
		Scan(&total).Error
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return total, nil
}
