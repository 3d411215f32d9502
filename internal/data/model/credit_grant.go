package model

import (
	"time"
)

// CreditGrant 积分授予表（只追加）
type CreditGrant struct {
	CreditGrantID      string `gorm:"primaryKey;type:varchar(36)"`
	UserID             string `gorm:"type:varchar(36);not null;index:idx_grant_user_date,priority:1"`
	Source             string `gorm:"type:varchar(16);not null"` // free/subscription/package/promo/refund
	Credits            int64  `gorm:"not null"`
	Reason             string `gorm:"type:varchar(32);not null"`
	ExpiresAt          *time.Time
	ExternalPaymentRef *string   `gorm:"type:varchar(64);uniqueIndex"` // 支付侧幂等去重，NULL 不参与唯一约束
	CreatedAt          time.Time `gorm:"autoCreateTime;index:idx_grant_user_date,priority:2"`
}

// TableName 指定表名
func (CreditGrant) TableName() string {
	return "credit_grant"
}
