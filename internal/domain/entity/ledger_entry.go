// Package entity 定义领域实体
package entity

import "time"

// LedgerEntry 余额变动流水，只追加不修改。
// 某账户全部 Amount 之和恒等于其当前余额。
type LedgerEntry struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	AccountID string    `json:"account_id" gorm:"type:uuid;index;not null"`
	Amount    int64     `json:"amount" gorm:"not null"`
	Balance   int64     `json:"balance" gorm:"not null"`
	Reason    string    `json:"reason" gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
