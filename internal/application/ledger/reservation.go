// Package ledger 实现点数账本：预扣、回补与流水查询
package ledger

import (
	"context"
	"errors"
	"sync/atomic"

	"nano-banana-proxy/pkg/metrics"
)

// ErrAlreadySettled 预扣单已经结算过，Confirm 与 Refund 均只允许生效一次
var ErrAlreadySettled = errors.New("reservation already settled")

const (
	stateReserved int32 = iota
	stateConfirmed
	stateRefunded
)

// Refunder 回补操作的抽象，由账本服务实现
type Refunder interface {
	Refund(ctx context.Context, accountID string, amount int64, reason string) (int64, error)
}

// Reservation 一次调度的预扣单
//
// 状态机：Reserved -> Confirmed 或 Reserved -> Refunded，单向且只迁移一次。
// 状态用 CAS 迁移，允许业务路径与 defer 的兜底回补并发竞争。
type Reservation struct {
	refunder  Refunder
	accountID string
	amount    int64
	state     int32
}

// NewReservation 创建处于 Reserved 状态的预扣单
func NewReservation(r Refunder, accountID string, amount int64) *Reservation {
	return &Reservation{refunder: r, accountID: accountID, amount: amount}
}

// AccountID 所属账户
func (r *Reservation) AccountID() string { return r.accountID }

// Amount 预扣点数
func (r *Reservation) Amount() int64 { return r.amount }

// Confirm 把预扣转为实扣，结算后的预扣单返回 ErrAlreadySettled
func (r *Reservation) Confirm() error {
	if !atomic.CompareAndSwapInt32(&r.state, stateReserved, stateConfirmed) {
		return ErrAlreadySettled
	}
	metrics.CreditsCharged.Add(float64(r.amount))
	return nil
}

// Refund 回补预扣的点数，结算后的预扣单返回 ErrAlreadySettled。
// 回补失败时状态回退到 Reserved，允许调用方重试。
func (r *Reservation) Refund(ctx context.Context, reason string) error {
	if !atomic.CompareAndSwapInt32(&r.state, stateReserved, stateRefunded) {
		return ErrAlreadySettled
	}
	if _, err := r.refunder.Refund(ctx, r.accountID, r.amount, reason); err != nil {
		atomic.StoreInt32(&r.state, stateReserved)
		return err
	}
	return nil
}

// Settled 是否已经结算
func (r *Reservation) Settled() bool {
	return atomic.LoadInt32(&r.state) != stateReserved
}
