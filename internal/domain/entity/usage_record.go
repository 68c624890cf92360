// Package entity 定义领域实体
package entity

import "time"

// UsageRecord 调度尝试记录，每次尝试一条，只追加。
// ErrorText 必须是脱敏后的文本。
type UsageRecord struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	AccountID string    `json:"account_id" gorm:"type:uuid;index;not null"`
	Model     string    `json:"model" gorm:"type:varchar(64);not null"`
	Credits   int64     `json:"credits" gorm:"not null;default:0"`
	TokenID   *string   `json:"token_id" gorm:"type:uuid;index"`
	Succeeded bool      `json:"succeeded" gorm:"not null;default:false"`
	ErrorText *string   `json:"error_text" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}
