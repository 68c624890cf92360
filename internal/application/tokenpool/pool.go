// Package tokenpool 管理上游凭证池的选取与健康状态
package tokenpool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"nano-banana-proxy/internal/config"
	"nano-banana-proxy/internal/domain/entity"
	"nano-banana-proxy/internal/domain/repository"
	"nano-banana-proxy/internal/domain/service"
	"nano-banana-proxy/internal/infrastructure/messaging"
	apperrors "nano-banana-proxy/pkg/errors"
	"nano-banana-proxy/pkg/logger"
	"nano-banana-proxy/pkg/metrics"
)

var tracer = otel.Tracer("application/tokenpool")

// AlertPublisher 停用告警发布接口
type AlertPublisher interface {
	PublishTokenAlert(ctx context.Context, msg *messaging.TokenAlertMessage) (string, error)
}

// Pool 凭证池
//
// 状态变更一律在事务内对目标行加锁后进行，
// 并发的成功与失败记录不会互相覆盖计数。
type Pool struct {
	tokens repository.TokenRepository
	tx     repository.Transactor
	alerts AlertPublisher
	cfg    *config.DispatchConfig
	now    func() time.Time
}

// NewPool 创建凭证池
func NewPool(
	tokens repository.TokenRepository,
	tx repository.Transactor,
	alerts AlertPublisher,
	cfg *config.DispatchConfig,
) *Pool {
	return &Pool{
		tokens: tokens,
		tx:     tx,
		alerts: alerts,
		cfg:    cfg,
		now:    time.Now,
	}
}

// ListCandidates 返回当前可调度的凭证，按优先级与公平性排序。
// 没有任何可用凭证时返回 ErrNoTokensAvailable。
func (p *Pool) ListCandidates(ctx context.Context) ([]*entity.Token, error) {
	ctx, span := tracer.Start(ctx, "tokenpool.ListCandidates")
	defer span.End()

	candidates, err := p.tokens.ListSelectable(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list selectable tokens: %w", err)
	}
	if len(candidates) == 0 {
		return nil, apperrors.ErrNoTokensAvailable
	}

	span.SetAttributes(attribute.Int("tokenpool.candidates", len(candidates)))
	return candidates, nil
}

// RecordSuccess 记录一次成功调用：清空失败状态并更新使用统计
func (p *Pool) RecordSuccess(ctx context.Context, tokenID string) error {
	ctx, span := tracer.Start(ctx, "tokenpool.RecordSuccess")
	defer span.End()

	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		token, err := p.tokens.GetForUpdate(txCtx, tokenID)
		if err != nil {
			return err
		}

		now := p.now()
		token.FailureCount = 0
		token.CooldownUntil = nil
		token.LastFailureAt = nil
		token.TotalRequests++
		token.LastUsedAt = &now
		return p.tokens.Update(txCtx, token)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to record success: %w", err)
	}
	return nil
}

// RecordFailure 记录一次失败调用并执行状态迁移。
// errorText 必须是已脱敏的文本，会原样进入告警事件。
func (p *Pool) RecordFailure(ctx context.Context, tokenID string, category service.Category, errorText string) error {
	ctx, span := tracer.Start(ctx, "tokenpool.RecordFailure")
	span.SetAttributes(attribute.String("failure.category", string(category)))
	defer span.End()

	var alert *messaging.TokenAlertMessage
	var cooled bool
	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		token, err := p.tokens.GetForUpdate(txCtx, tokenID)
		if err != nil {
			return err
		}

		now := p.now()
		token.FailureCount++
		token.LastFailureAt = &now
		token.TotalRequests++
		token.LastUsedAt = &now

		transition := NextState(category, token.FailureCount, p.cfg.CoolThreshold, p.cfg.DisableThreshold)
		switch {
		case transition.Disable:
			token.IsActive = false
			if transition.Cause == messaging.CauseExhausted {
				token.RemainingQuota = "0"
			}
			alert = messaging.NewTokenAlert(token.ID, token.Name, token.KeyMask, transition.Cause, errorText)
		case transition.Cooldown:
			until := now.Add(p.cfg.CoolDuration)
			token.CooldownUntil = &until
			cooled = true
		}

		return p.tokens.Update(txCtx, token)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to record failure: %w", err)
	}

	if cooled {
		metrics.TokenCooldownTotal.Inc()
	}
	if alert != nil {
		metrics.TokenDisabledTotal.WithLabelValues(string(alert.Cause)).Inc()
		logger.Warn(ctx, "token disabled",
			"token_id", alert.TokenID, "key_mask", alert.KeyMask, "cause", string(alert.Cause))
		// 告警发布失败不影响状态变更本身
		if p.alerts != nil {
			if _, err := p.alerts.PublishTokenAlert(ctx, alert); err != nil {
				logger.Error(ctx, "failed to publish token alert", err, "token_id", alert.TokenID)
			}
		}
	}
	return nil
}
