// Package entity 定义领域实体
package entity

import "time"

// Account 调用方账户，Balance 为点数余额，任何时刻不为负。
// 余额只通过 Ledger 的条件扣减/无条件回补两个操作变化。
type Account struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string    `json:"name" gorm:"type:varchar(64);not null"`
	Balance   int64     `json:"balance" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}
