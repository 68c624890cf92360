// Package ledger 实现点数账本：预扣、回补与流水查询
package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"nano-banana-proxy/internal/domain/entity"
	"nano-banana-proxy/internal/domain/repository"
	"nano-banana-proxy/pkg/logger"
	"nano-banana-proxy/pkg/metrics"
)

var tracer = otel.Tracer("application/ledger")

// InsufficientFundsError 余额不足，携带当前余额供调用方回显
type InsufficientFundsError struct {
	AccountID string
	Required  int64
	Balance   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: account %s requires %d, has %d", e.AccountID, e.Required, e.Balance)
}

// Service 账本服务
//
// 余额只通过两条路径变化：Reserve 的条件扣减与 Refund 的无条件回补，
// 每次变化同事务追加一条流水，保证流水之和恒等于余额。
type Service struct {
	accounts repository.AccountRepository
	entries  repository.LedgerEntryRepository
	tx       repository.Transactor
}

// NewService 创建账本服务
func NewService(
	accounts repository.AccountRepository,
	entries repository.LedgerEntryRepository,
	tx repository.Transactor,
) *Service {
	return &Service{accounts: accounts, entries: entries, tx: tx}
}

// Reserve 预扣 amount 点并返回一张待结算的预扣单。
// 余额不足时返回 *InsufficientFundsError，不产生任何变更。
func (s *Service) Reserve(ctx context.Context, accountID string, amount int64, reason string) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "ledger.Reserve")
	defer span.End()

	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	var balance int64
	err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		b, ok, err := s.accounts.ConditionalDecrement(txCtx, accountID, amount)
		if err != nil {
			return err
		}
		if !ok {
			return &InsufficientFundsError{AccountID: accountID, Required: amount, Balance: b}
		}
		balance = b
		return s.entries.Append(txCtx, &entity.LedgerEntry{
			AccountID: accountID,
			Amount:    -amount,
			Balance:   balance,
			Reason:    reason,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.CreditsReserved.Add(float64(amount))
	logger.Debug(ctx, "credits reserved",
		"account_id", accountID, "amount", amount, "balance", balance)
	return NewReservation(s, accountID, amount), nil
}

// Refund 回补 amount 点并返回回补后余额
func (s *Service) Refund(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.Refund")
	defer span.End()

	if amount <= 0 {
		return 0, fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	var balance int64
	err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		b, err := s.accounts.Increment(txCtx, accountID, amount)
		if err != nil {
			return err
		}
		balance = b
		return s.entries.Append(txCtx, &entity.LedgerEntry{
			AccountID: accountID,
			Amount:    amount,
			Balance:   balance,
			Reason:    reason,
		})
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to refund credits: %w", err)
	}

	metrics.CreditsRefunded.Add(float64(amount))
	logger.Debug(ctx, "credits refunded",
		"account_id", accountID, "amount", amount, "reason", reason, "balance", balance)
	return balance, nil
}

// Balance 查询账户当前余额
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Entries 查询账户最近的流水
func (s *Service) Entries(ctx context.Context, accountID string, limit int) ([]*entity.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.entries.ListByAccount(ctx, accountID, limit)
}
