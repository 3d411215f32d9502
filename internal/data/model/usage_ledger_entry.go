package model

import (
	"time"
)

// UsageLedgerEntry 用量流水表（只追加、幂等键唯一）
// free/subscription/package 三列记录各桶实际承担的份额，对账按列求和。
type UsageLedgerEntry struct {
	UsageLedgerEntryID  string    `gorm:"primaryKey;type:varchar(36)"`
	UserID              string    `gorm:"type:varchar(36);not null;index:idx_usage_user_date,priority:1"`
	SessionID           string    `gorm:"type:varchar(64)"`
	MessageID           string    `gorm:"type:varchar(64)"`
	Provider            string    `gorm:"type:varchar(32);not null"`
	Model               string    `gorm:"type:varchar(64);not null"`
	InputTokens         int64     `gorm:"not null;default:0"`
	OutputTokens        int64     `gorm:"not null;default:0"`
	Credits             int64     `gorm:"not null"`
	FreeCredits         int64     `gorm:"not null;default:0"`
	SubscriptionCredits int64     `gorm:"not null;default:0"`
	PackageCredits      int64     `gorm:"not null;default:0"`
	CostEstimate        float64   `gorm:"type:decimal(10,6);default:0.000000"`
	Source              string    `gorm:"type:varchar(16);not null"` // 承担最多的桶，展示用
	Status              string    `gorm:"type:varchar(16);not null"` // pending/completed/refunded/failed
	IdempotencyKey      string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	CreatedAt           time.Time `gorm:"autoCreateTime;index:idx_usage_user_date,priority:2"`
}

// TableName 指定表名
func (UsageLedgerEntry) TableName() string {
	return "usage_ledger_entry"
}
