package biz

import (
	"context"
	"time"
)

// GrantEvent 支付/订阅侧发布到 MQ 的授予事件
// external_ref 是去重依据，消费侧重复投递不会重复加余额。
type GrantEvent struct {
	UserID      string     `json:"user_id"`
	Credits     int64      `json:"credits"`
	Source      string     `json:"source"`
	Reason      string     `json:"reason"`
	ExternalRef string     `json:"external_ref"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// UsageRecordedEvent 记账完成后发布的事件（下游分析/审计用）
type UsageRecordedEvent struct {
	EntryID      string    `json:"entry_id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Source       string    `json:"source"`
	Credits      int64     `json:"credits"`
	CostEstimate float64   `json:"cost_estimate"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// EventPublisher 事件发布接口（MQ 未启用时为 no-op 实现）
type EventPublisher interface {
	PublishUsageRecorded(ctx context.Context, event *UsageRecordedEvent) error
}
