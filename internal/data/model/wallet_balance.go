package model

import (
	"time"
)

// WalletBalance 钱包余额表（按来源分桶的反规范化行，授予/流水是权威数据）
type WalletBalance struct {
	WalletBalanceID       string    `gorm:"primaryKey;type:varchar(36)"`
	UserID                string    `gorm:"uniqueIndex;type:varchar(36);not null"`
	FreeCredits           int64     `gorm:"not null;default:0"`
	SubscriptionCredits   int64     `gorm:"not null;default:0"`
	PackageCredits        int64     `gorm:"not null;default:0"`
	TotalCredits          int64     `gorm:"not null;default:0"`
	FreeResetAt           time.Time `gorm:"index"`
	SubscriptionPeriodEnd time.Time
	CreatedAt             time.Time `gorm:"autoCreateTime"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (WalletBalance) TableName() string {
	return "wallet_balance"
}
