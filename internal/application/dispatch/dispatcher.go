// Package dispatch 实现带失效转移的上游调度
package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"nano-banana-proxy/internal/application/ledger"
	"nano-banana-proxy/internal/domain/entity"
	"nano-banana-proxy/internal/domain/repository"
	"nano-banana-proxy/internal/domain/service"
	"nano-banana-proxy/internal/infrastructure/upstream"
	apperrors "nano-banana-proxy/pkg/errors"
	"nano-banana-proxy/pkg/logger"
	"nano-banana-proxy/pkg/metrics"
)

var tracer = otel.Tracer("application/dispatch")

// CreditLedger 账本依赖
type CreditLedger interface {
	Reserve(ctx context.Context, accountID string, amount int64, reason string) (*ledger.Reservation, error)
}

// TokenPool 凭证池依赖
type TokenPool interface {
	ListCandidates(ctx context.Context) ([]*entity.Token, error)
	RecordSuccess(ctx context.Context, tokenID string) error
	RecordFailure(ctx context.Context, tokenID string, category service.Category, errorText string) error
}

// UpstreamClient 上游客户端依赖
type UpstreamClient interface {
	Generate(ctx context.Context, apiKey, model string, payload json.RawMessage) (*upstream.Result, error)
	GenerateStream(ctx context.Context, apiKey, model string, payload json.RawMessage) (*upstream.StreamResult, error)
}

// Decrypter 凭证解密依赖
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Dispatcher 调度器
//
// 一次调度的生命周期：预扣点数，按池内顺序逐个凭证尝试，
// 成功即实扣返回；只有请求本身的问题（ClientError）会提前终止，
// 其余失败换下一个凭证继续。除成功外所有出口都回补预扣。
type Dispatcher struct {
	ledger CreditLedger
	pool   TokenPool
	client UpstreamClient
	cipher Decrypter
	pricer *Pricer
	usage  repository.UsageRecordRepository
}

// NewDispatcher 创建调度器
func NewDispatcher(
	creditLedger CreditLedger,
	pool TokenPool,
	client UpstreamClient,
	cipher Decrypter,
	pricer *Pricer,
	usage repository.UsageRecordRepository,
) *Dispatcher {
	return &Dispatcher{
		ledger: creditLedger,
		pool:   pool,
		client: client,
		cipher: cipher,
		pricer: pricer,
		usage:  usage,
	}
}

// Stream 一次流式调度的结果，调用方负责 Close
type Stream struct {
	TokenID string
	body    io.ReadCloser
}

func (s *Stream) Read(p []byte) (int, error) { return s.body.Read(p) }

// Close 关闭底层上游连接
func (s *Stream) Close() error { return s.body.Close() }

// Dispatch 执行一次非流式调度，成功时返回上游响应体
func (d *Dispatcher) Dispatch(ctx context.Context, accountID, model string, payload json.RawMessage) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	span.SetAttributes(
		attribute.String("dispatch.model", model),
		attribute.String("dispatch.account_id", accountID),
	)
	defer span.End()

	price := d.pricer.PriceOf(model)
	reservation, err := d.ledger.Reserve(ctx, accountID, price, "model:"+model)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(model, "insufficient").Inc()
		d.recordAttempt(ctx, accountID, model, 0, nil, false, "credit reservation failed")
		return nil, err
	}
	// 兜底：任何未结算的出口都回补
	defer d.settleRefund(ctx, reservation, "dispatch_aborted")

	candidates, err := d.pool.ListCandidates(ctx)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(model, "no_tokens").Inc()
		d.recordAttempt(ctx, accountID, model, 0, nil, false, "no tokens available")
		if refundErr := reservation.Refund(ctx, "no_tokens_available"); refundErr != nil {
			logger.Error(ctx, "failed to refund reservation", refundErr, "account_id", accountID)
		}
		return nil, err
	}

	var attempts int
	var lastErrText string
	defer func() {
		metrics.DispatchAttemptsPerRequest.Observe(float64(attempts))
	}()

	for _, token := range candidates {
		attempts++

		apiKey, err := d.cipher.Decrypt(token.KeyCiphertext)
		if err != nil {
			// 密文损坏等同于该凭证故障，不终止调度
			lastErrText = "credential decrypt failed"
			d.recordAttempt(ctx, accountID, model, 0, &token.ID, false, lastErrText)
			d.recordFailure(ctx, token.ID, service.CategoryServerError, lastErrText)
			metrics.DispatchAttempts.WithLabelValues(model, string(service.CategoryServerError)).Inc()
			continue
		}

		start := time.Now()
		result, err := d.client.Generate(ctx, apiKey, model, payload)
		metrics.UpstreamCallDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())

		var category service.Category
		var rawErrText string
		if err != nil {
			category = service.ClassifyTransport(upstream.IsTimeout(err))
			rawErrText = err.Error()
		} else {
			category = service.Classify(result.StatusCode, result.Body)
			rawErrText = string(result.Body)
		}
		metrics.DispatchAttempts.WithLabelValues(model, string(category)).Inc()

		if category == service.CategorySuccess {
			d.recordSuccess(ctx, token.ID)
			if err := reservation.Confirm(); err != nil {
				logger.Error(ctx, "failed to confirm reservation", err, "account_id", accountID)
			}
			d.recordAttempt(ctx, accountID, model, price, &token.ID, true, "")
			metrics.DispatchTotal.WithLabelValues(model, "success").Inc()
			span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
			return result.Body, nil
		}

		lastErrText = service.Sanitize(rawErrText)
		d.recordAttempt(ctx, accountID, model, 0, &token.ID, false, lastErrText)
		d.recordFailure(ctx, token.ID, category, lastErrText)
		logger.Warn(ctx, "upstream attempt failed",
			"token_id", token.ID, "key_mask", token.KeyMask,
			"category", string(category), "error", lastErrText)

		if !category.Retryable() {
			metrics.DispatchTotal.WithLabelValues(model, "client_error").Inc()
			if refundErr := reservation.Refund(ctx, "client_error"); refundErr != nil {
				logger.Error(ctx, "failed to refund reservation", refundErr, "account_id", accountID)
			}
			return nil, apperrors.New(apperrors.CodeUpstreamBadInput, "upstream rejected request").WithDetail(lastErrText)
		}
	}

	metrics.DispatchTotal.WithLabelValues(model, "exhausted").Inc()
	if refundErr := reservation.Refund(ctx, "all_attempts_failed"); refundErr != nil {
		logger.Error(ctx, "failed to refund reservation", refundErr, "account_id", accountID)
	}
	return nil, apperrors.New(apperrors.CodeUpstreamExhausted, "all upstream tokens failed").WithDetail(lastErrText)
}

// DispatchStream 执行一次流式调度。
//
// 成败以上游响应状态行为准：拿到 200 即视为成功并实扣，
// 之后开始向下游转发，中途断流不再重试也不回补。
func (d *Dispatcher) DispatchStream(ctx context.Context, accountID, model string, payload json.RawMessage) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "dispatch.DispatchStream")
	span.SetAttributes(
		attribute.String("dispatch.model", model),
		attribute.String("dispatch.account_id", accountID),
	)
	defer span.End()

	price := d.pricer.PriceOf(model)
	reservation, err := d.ledger.Reserve(ctx, accountID, price, "model:"+model)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(model, "insufficient").Inc()
		d.recordAttempt(ctx, accountID, model, 0, nil, false, "credit reservation failed")
		return nil, err
	}
	defer d.settleRefund(ctx, reservation, "dispatch_aborted")

	candidates, err := d.pool.ListCandidates(ctx)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(model, "no_tokens").Inc()
		d.recordAttempt(ctx, accountID, model, 0, nil, false, "no tokens available")
		if refundErr := reservation.Refund(ctx, "no_tokens_available"); refundErr != nil {
			logger.Error(ctx, "failed to refund reservation", refundErr, "account_id", accountID)
		}
		return nil, err
	}

	var attempts int
	var lastErrText string
	defer func() {
		metrics.DispatchAttemptsPerRequest.Observe(float64(attempts))
	}()

	for _, token := range candidates {
		attempts++

		apiKey, err := d.cipher.Decrypt(token.KeyCiphertext)
		if err != nil {
			lastErrText = "credential decrypt failed"
			d.recordAttempt(ctx, accountID, model, 0, &token.ID, false, lastErrText)
			d.recordFailure(ctx, token.ID, service.CategoryServerError, lastErrText)
			metrics.DispatchAttempts.WithLabelValues(model, string(service.CategoryServerError)).Inc()
			continue
		}

		start := time.Now()
		result, err := d.client.GenerateStream(ctx, apiKey, model, payload)
		metrics.UpstreamCallDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())

		var category service.Category
		var rawErrText string
		if err != nil {
			category = service.ClassifyTransport(upstream.IsTimeout(err))
			rawErrText = err.Error()
		} else if result.StatusCode == 200 {
			category = service.CategorySuccess
		} else {
			category = service.Classify(result.StatusCode, result.ErrBody)
			rawErrText = string(result.ErrBody)
		}
		metrics.DispatchAttempts.WithLabelValues(model, string(category)).Inc()

		if category == service.CategorySuccess {
			d.recordSuccess(ctx, token.ID)
			if err := reservation.Confirm(); err != nil {
				logger.Error(ctx, "failed to confirm reservation", err, "account_id", accountID)
			}
			d.recordAttempt(ctx, accountID, model, price, &token.ID, true, "")
			metrics.DispatchTotal.WithLabelValues(model, "success").Inc()
			span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
			return &Stream{TokenID: token.ID, body: result.Body}, nil
		}

		lastErrText = service.Sanitize(rawErrText)
		d.recordAttempt(ctx, accountID, model, 0, &token.ID, false, lastErrText)
		d.recordFailure(ctx, token.ID, category, lastErrText)
		logger.Warn(ctx, "upstream stream attempt failed",
			"token_id", token.ID, "key_mask", token.KeyMask,
			"category", string(category), "error", lastErrText)

		if !category.Retryable() {
			metrics.DispatchTotal.WithLabelValues(model, "client_error").Inc()
			if refundErr := reservation.Refund(ctx, "client_error"); refundErr != nil {
				logger.Error(ctx, "failed to refund reservation", refundErr, "account_id", accountID)
			}
			return nil, apperrors.New(apperrors.CodeUpstreamBadInput, "upstream rejected request").WithDetail(lastErrText)
		}
	}

	metrics.DispatchTotal.WithLabelValues(model, "exhausted").Inc()
	if refundErr := reservation.Refund(ctx, "all_attempts_failed"); refundErr != nil {
		logger.Error(ctx, "failed to refund reservation", refundErr, "account_id", accountID)
	}
	return nil, apperrors.New(apperrors.CodeUpstreamExhausted, "all upstream tokens failed").WithDetail(lastErrText)
}

// settleRefund 未结算预扣单的兜底回补
func (d *Dispatcher) settleRefund(ctx context.Context, r *ledger.Reservation, reason string) {
	if r.Settled() {
		return
	}
	if err := r.Refund(ctx, reason); err != nil && err != ledger.ErrAlreadySettled {
		logger.Error(ctx, "failed to refund reservation", err, "account_id", r.AccountID())
	}
}

// recordSuccess 成功统计失败不影响主流程
func (d *Dispatcher) recordSuccess(ctx context.Context, tokenID string) {
	if err := d.pool.RecordSuccess(ctx, tokenID); err != nil {
		logger.Error(ctx, "failed to record token success", err, "token_id", tokenID)
	}
}

// recordFailure 失败统计失败不影响主流程
func (d *Dispatcher) recordFailure(ctx context.Context, tokenID string, category service.Category, errorText string) {
	if err := d.pool.RecordFailure(ctx, tokenID, category, errorText); err != nil {
		logger.Error(ctx, "failed to record token failure", err, "token_id", tokenID)
	}
}

// recordAttempt 追加调度记录，失败只记日志。
// 没有走到任何凭证的终态（预扣失败、池为空）也会落一条记录，tokenID 为空。
func (d *Dispatcher) recordAttempt(ctx context.Context, accountID, model string, credits int64, tokenID *string, succeeded bool, errorText string) {
	if d.usage == nil {
		return
	}
	record := &entity.UsageRecord{
		AccountID: accountID,
		Model:     model,
		Credits:   credits,
		TokenID:   tokenID,
		Succeeded: succeeded,
	}
	if errorText != "" {
		record.ErrorText = &errorText
	}
	if err := d.usage.Create(ctx, record); err != nil {
		logger.Error(ctx, "failed to create usage record", err, "account_id", accountID)
	}
}
