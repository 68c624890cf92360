// Package entity 定义领域实体
package entity

import (
	"fmt"
	"time"
)

// Token 上游 API 凭证及其池内元数据
//
// 明文密钥只以密文形式落库，出站调用前即时解密；
// 日志与 API 响应中只允许出现 KeyMask。
type Token struct {
	ID            string     `json:"id" gorm:"type:uuid;primaryKey"`
	Name          string     `json:"name" gorm:"type:varchar(64);not null"`
	KeyCiphertext string     `json:"-" gorm:"type:text;not null"`
	KeyMask       string     `json:"key_mask" gorm:"type:varchar(32);not null"`
	Priority      int        `json:"priority" gorm:"not null;default:0;index"`
	RemainingQuota string    `json:"remaining_quota" gorm:"type:decimal(20,6);default:0"`
	IsActive      bool       `json:"is_active" gorm:"not null;default:true;index"`
	FailureCount  int        `json:"failure_count" gorm:"not null;default:0"`
	CooldownUntil *time.Time `json:"cooldown_until"`
	LastFailureAt *time.Time `json:"last_failure_at"`
	TotalRequests int64      `json:"total_requests" gorm:"not null;default:0"`
	LastUsedAt    *time.Time `json:"last_used_at"`
	CreatedAt     time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Token) TableName() string {
	return "tokens"
}

// Selectable 判断凭证当前是否可参与调度
func (t *Token) Selectable(now time.Time) bool {
	if !t.IsActive {
		return false
	}
	return t.CooldownUntil == nil || !t.CooldownUntil.After(now)
}

// MaskKey 生成密钥掩码（前 4 后 4，中间省略）
func MaskKey(plaintext string) string {
	if len(plaintext) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s...%s", plaintext[:4], plaintext[len(plaintext)-4:])
}
