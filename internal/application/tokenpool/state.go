// Package tokenpool 管理上游凭证池的选取与健康状态
package tokenpool

import (
	"nano-banana-proxy/internal/domain/service"
	"nano-banana-proxy/internal/infrastructure/messaging"
)

// Transition 一次失败对凭证状态的影响
type Transition struct {
	// Disable 永久停用，需人工介入后重新启用
	Disable bool
	// Cause 停用原因，Disable 为 true 时有效
	Cause messaging.DisableCause
	// Cooldown 进入临时冷却
	Cooldown bool
}

// NextState 根据失败类别与计入本次后的连续失败次数计算状态迁移。
//
// 只有配额耗尽立即停用；鉴权失败和其余可重试失败一样先累计，
// 达到冷却阈值进入冷却，达到停用阈值才停用。
// 阈值停用时若本次失败是鉴权类，停用原因记为 auth_failed。
func NextState(category service.Category, failureCount, coolThreshold, disableThreshold int) Transition {
	if category == service.CategoryQuotaExhausted {
		return Transition{Disable: true, Cause: messaging.CauseExhausted}
	}

	if disableThreshold > 0 && failureCount >= disableThreshold {
		cause := messaging.CauseFaulty
		if category == service.CategoryAuthFailure {
			cause = messaging.CauseAuthFailed
		}
		return Transition{Disable: true, Cause: cause}
	}
	if coolThreshold > 0 && failureCount >= coolThreshold {
		return Transition{Cooldown: true}
	}
	return Transition{}
}
