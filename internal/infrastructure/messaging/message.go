// Package messaging 提供告警事件发布实现
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// DisableCause Token 被停用的原因
type DisableCause string

const (
	// CauseExhausted 上游额度耗尽
	CauseExhausted DisableCause = "exhausted"
	// CauseAuthFailed 上游鉴权失败
	CauseAuthFailed DisableCause = "auth_failed"
	// CauseFaulty 连续失败达到停用阈值
	CauseFaulty DisableCause = "faulty"
)

// TokenAlertMessage Token 停用告警事件
// 由通知子系统异步消费，不在本服务范围内处理。
type TokenAlertMessage struct {
	ID             string       `json:"id"`
	TokenID        string       `json:"token_id"`
	TokenName      string       `json:"token_name"`
	KeyMask        string       `json:"key_mask"`
	Cause          DisableCause `json:"cause"`
	SanitizedError string       `json:"sanitized_error,omitempty"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// NewTokenAlert 创建告警事件
func NewTokenAlert(tokenID, tokenName, keyMask string, cause DisableCause, sanitizedError string) *TokenAlertMessage {
	return &TokenAlertMessage{
		ID:             uuid.New().String(),
		TokenID:        tokenID,
		TokenName:      tokenName,
		KeyMask:        keyMask,
		Cause:          cause,
		SanitizedError: sanitizedError,
		OccurredAt:     time.Now(),
	}
}
