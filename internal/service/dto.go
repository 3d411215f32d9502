package service

import (
	"time"

	"wallet-service/internal/biz"
)

// BalanceReply 余额响应
type BalanceReply struct {
	UserID                string    `json:"user_id"`
	FreeCredits           int64     `json:"free_credits"`
	SubscriptionCredits   int64     `json:"subscription_credits"`
	PackageCredits        int64     `json:"package_credits"`
	TotalCredits          int64     `json:"total_credits"`
	FreeResetAt           time.Time `json:"free_reset_at"`
	SubscriptionPeriodEnd time.Time `json:"subscription_period_end,omitempty"`
}

func toBalanceReply(b *biz.WalletBalance) *BalanceReply {
	return &BalanceReply{
		UserID:                b.UserID,
		FreeCredits:           b.FreeCredits,
		SubscriptionCredits:   b.SubscriptionCredits,
		PackageCredits:        b.PackageCredits,
		TotalCredits:          b.TotalCredits,
		FreeResetAt:           b.FreeResetAt,
		SubscriptionPeriodEnd: b.SubscriptionPeriodEnd,
	}
}

// ExpiryWarningReply 到期提醒
type ExpiryWarningReply struct {
	Source    string    `json:"source"`
	ExpiresAt time.Time `json:"expires_at"`
	DaysLeft  int       `json:"days_left"`
}

// WalletSummaryReply 钱包总览响应
type WalletSummaryReply struct {
	Balance           *BalanceReply         `json:"balance"`
	LowBalance        bool                  `json:"low_balance"`
	LowBalanceMessage string                `json:"low_balance_message,omitempty"`
	ExpiryWarnings    []*ExpiryWarningReply `json:"expiry_warnings,omitempty"`
	EstimatedUSD      float64               `json:"estimated_usd"`
	NextFreeReset     time.Time             `json:"next_free_reset"`
}

// AffordRequest 支付能力预检请求
type AffordRequest struct {
	UserID           string  `json:"user_id"`
	EstimatedCredits int64   `json:"estimated_credits"`
	BufferMultiplier float64 `json:"buffer_multiplier,omitempty"`
}

// AffordReply 支付能力预检响应
type AffordReply struct {
	CanAfford        bool             `json:"can_afford"`
	Available        int64            `json:"available"`
	Required         int64            `json:"required"`
	EstimatedCredits int64            `json:"estimated_credits"`
	BufferMultiplier float64          `json:"buffer_multiplier"`
	Breakdown        map[string]int64 `json:"breakdown"`
}

// EstimateRequest 调用前成本估算请求
type EstimateRequest struct {
	UserID       string `json:"user_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// EstimateReply 调用前成本估算响应
type EstimateReply struct {
	Credits       int64        `json:"credits"`
	CostUSD       float64      `json:"cost_usd"`
	Fallback      bool         `json:"fallback"`
	Affordability *AffordReply `json:"affordability"`
}

// UsageEntryReply 用量流水响应
type UsageEntryReply struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	SessionID           string    `json:"session_id,omitempty"`
	MessageID           string    `json:"message_id,omitempty"`
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	Credits             int64     `json:"credits"`
	FreeCredits         int64     `json:"free_credits"`
	SubscriptionCredits int64     `json:"subscription_credits"`
	PackageCredits      int64     `json:"package_credits"`
	CostEstimate        float64   `json:"cost_estimate"`
	Source              string    `json:"source"`
	Status              string    `json:"status"`
	IdempotencyKey      string    `json:"idempotency_key"`
	CreatedAt           time.Time `json:"created_at"`
}

func toUsageEntryReply(e *biz.UsageLedgerEntry) *UsageEntryReply {
	reply := &UsageEntryReply{
		ID:                  e.ID,
		UserID:              e.UserID,
		SessionID:           e.SessionID,
		MessageID:           e.MessageID,
		Provider:            e.Provider,
		Model:               e.Model,
		Credits:             e.Credits,
		FreeCredits:         e.FreeCredits,
		SubscriptionCredits: e.SubscriptionCredits,
		PackageCredits:      e.PackageCredits,
		CostEstimate:        e.CostEstimate,
		Source:              e.Source,
		Status:              e.Status,
		IdempotencyKey:      e.IdempotencyKey,
		CreatedAt:           e.CreatedAt,
	}
	if e.UsageMetrics != nil {
		reply.InputTokens = e.UsageMetrics.InputTokens
		reply.OutputTokens = e.UsageMetrics.OutputTokens
	}
	return reply
}

// UsageEntryListReply 用量流水分页响应
type UsageEntryListReply struct {
	Entries  []*UsageEntryReply `json:"entries"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// UsageSummaryReply 用量汇总响应
type UsageSummaryReply struct {
	UserID              string  `json:"user_id"`
	Period              string  `json:"period"`
	Calls               int64   `json:"calls"`
	Credits             int64   `json:"credits"`
	FreeCredits         int64   `json:"free_credits"`
	SubscriptionCredits int64   `json:"subscription_credits"`
	PackageCredits      int64   `json:"package_credits"`
	CostUSD             float64 `json:"cost_usd"`
}

// GrantReply 授予记录响应
type GrantReply struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Source      string     `json:"source"`
	Credits     int64      `json:"credits"`
	Reason      string     `json:"reason"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toGrantReply(g *biz.CreditGrant) *GrantReply {
	return &GrantReply{
		ID:          g.ID,
		UserID:      g.UserID,
		Source:      g.Source,
		Credits:     g.Credits,
		Reason:      g.Reason,
		ExpiresAt:   g.ExpiresAt,
		ExternalRef: g.ExternalPaymentRef,
		CreatedAt:   g.CreatedAt,
	}
}

// GrantListReply 授予记录分页响应
type GrantListReply struct {
	Grants   []*GrantReply `json:"grants"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// GrantRequest 授予请求（内部接口）
type GrantRequest struct {
	UserID      string     `json:"user_id"`
	Credits     int64      `json:"credits"`
	Source      string     `json:"source"`
	Reason      string     `json:"reason"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
}

// DeductRequest 扣减请求（内部接口）
type DeductRequest struct {
	UserID          string `json:"user_id"`
	Credits         int64  `json:"credits"`
	PreferredSource string `json:"preferred_source,omitempty"`
}

// DeductReply 扣减响应
type DeductReply struct {
	Drawn         map[string]int64 `json:"drawn"`
	PrimarySource string           `json:"primary_source"`
	NewTotal      int64            `json:"new_total"`
}

// RecordUsageRequest 用量记账请求（内部接口）
type RecordUsageRequest struct {
	UserID         string  `json:"user_id"`
	SessionID      string  `json:"session_id,omitempty"`
	MessageID      string  `json:"message_id,omitempty"`
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	Credits        int64   `json:"credits,omitempty"`
	CostEstimate   float64 `json:"cost_estimate,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// ReconcileBucketReply 单桶对账结果
type ReconcileBucketReply struct {
	Source            string `json:"source"`
	WalletCredits     int64  `json:"wallet_credits"`
	GrantedCredits    int64  `json:"granted_credits"`
	ChargedCredits    int64  `json:"charged_credits"`
	CalculatedCredits int64  `json:"calculated_credits"`
	Consistent        bool   `json:"consistent"`
}

// ReconcileReply 对账响应
type ReconcileReply struct {
	UserID            string                  `json:"user_id"`
	WalletTotal       int64                   `json:"wallet_total"`
	CalculatedTotal   int64                   `json:"calculated_total"`
	Difference        int64                   `json:"difference"`
	DifferencePercent float64                 `json:"difference_percent"`
	IsConsistent      bool                    `json:"is_consistent"`
	Buckets           []*ReconcileBucketReply `json:"buckets"`
	CheckedAt         time.Time               `json:"checked_at"`
}
