package constants

// 时间格式常量
const (
	// TimeFormatMonth 月份格式 (YYYY-MM)
	TimeFormatMonth = "2006-01"
)

// Redis Key 前缀常量
const (
	// RedisKeyWallet 钱包余额缓存 key 前缀
	RedisKeyWallet = "wallet:balance:"
	// RedisKeyDeductLock 扣减锁 key 前缀
	RedisKeyDeductLock = "wallet:deduct:lock:"
)

// 积分来源常量（余额桶的归属）
const (
	// SourceFree 免费额度
	SourceFree = "free"
	// SourceSubscription 订阅额度
	SourceSubscription = "subscription"
	// SourcePackage 加油包（购买的积分包）
	SourcePackage = "package"
	// SourcePromo 活动赠送
	SourcePromo = "promo"
	// SourceRefund 退款返还
	SourceRefund = "refund"
)

// 用量流水状态常量
const (
	// UsageStatusPending 已落库，扣减未确认
	UsageStatusPending = "pending"
	// UsageStatusCompleted 扣减完成
	UsageStatusCompleted = "completed"
	// UsageStatusRefunded 已退还
	UsageStatusRefunded = "refunded"
	// UsageStatusFailed 失败
	UsageStatusFailed = "failed"
)

// 授予原因常量
const (
	// GrantReasonInitialFree 新用户初始免费额度
	GrantReasonInitialFree = "initial_free"
	// GrantReasonFreeMonthlyReset 每月免费额度补足
	GrantReasonFreeMonthlyReset = "free_monthly_reset"
	// GrantReasonSubscriptionRenewal 订阅续费
	GrantReasonSubscriptionRenewal = "subscription_renewal"
	// GrantReasonPackagePurchase 购买积分包
	GrantReasonPackagePurchase = "package_purchase"
	// GrantReasonPromoBonus 活动赠送
	GrantReasonPromoBonus = "promo_bonus"
	// GrantReasonRefund 退款返还
	GrantReasonRefund = "refund"
)

// 检查结果常量（用于指标）
const (
	// CheckResultAllowed 允许
	CheckResultAllowed = "allowed"
	// CheckResultDenied 拒绝
	CheckResultDenied = "denied"
	// CheckResultError 错误
	CheckResultError = "error"
)

// 操作结果常量（用于指标）
const (
	// ResultSuccess 成功
	ResultSuccess = "success"
	// ResultFailed 失败
	ResultFailed = "failed"
	// ResultReplayed 幂等重放（命中已有流水）
	ResultReplayed = "replayed"
)

// 对账结果常量
const (
	// ReconcileResultConsistent 一致
	ReconcileResultConsistent = "consistent"
	// ReconcileResultInconsistent 不一致
	ReconcileResultInconsistent = "inconsistent"
)

// RocketMQ Topic 常量
const (
	// TopicGrantEvents 支付/订阅侧发布的授予事件
	TopicGrantEvents = "wallet_grant_events"
	// TopicUsageEvents 用量记账完成事件
	TopicUsageEvents = "wallet_usage_events"
)

// 内部扣减流水标识（不经过用量记账的直接扣费也落流水，保证对账等式成立）
const (
	// ProviderInternal 内部直接扣减
	ProviderInternal = "internal"
	// ModelAdjustment 人工/系统调整
	ModelAdjustment = "adjustment"
)

// 统计周期常量
const (
	// StatsPeriodToday 今日
	StatsPeriodToday = "today"
	// StatsPeriodMonth 本月
	StatsPeriodMonth = "month"
)
