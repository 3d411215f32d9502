package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WalletMetrics 钱包服务指标
type WalletMetrics struct {
	// 授予相关指标
	GrantTotal   *prometheus.CounterVec // 授予总数（按来源、结果）
	GrantCredits *prometheus.CounterVec // 授予积分总量（按来源）

	// 扣减相关指标
	DeductTotal    *prometheus.CounterVec // 扣减总数（按结果）
	DeductCredits  *prometheus.CounterVec // 扣减积分总量（按余额桶）
	DeductDuration prometheus.Histogram   // 扣减耗时
	DeductRetries  prometheus.Counter     // CAS 冲突重试次数

	// 预检相关指标
	AffordCheckTotal    *prometheus.CounterVec // 预检总数（按结果）
	AffordCheckDuration prometheus.Histogram   // 预检耗时

	// 用量记账相关指标
	RecordUsageTotal    *prometheus.CounterVec   // 记账总数（按 provider、结果）
	RecordUsageDuration *prometheus.HistogramVec // 记账耗时（按 provider）

	// 余额相关指标
	BalanceQueryTotal prometheus.Counter // 余额查询总数
	BalanceLowAlert   prometheus.Gauge   // 低余额告警（余额 < 阈值）

	// 分布式锁相关指标
	LockAcquireTotal    *prometheus.CounterVec // 锁获取总数（按结果）
	LockAcquireDuration prometheus.Histogram   // 锁获取耗时

	// 对账相关指标
	ReconcileTotal        *prometheus.CounterVec // 对账总数（按结果）
	ReconcileDriftPercent prometheus.Histogram   // 对账偏差百分比分布
	ReconcileInconsistent prometheus.Gauge       // 最近一次全量对账发现的不一致用户数
}

// NewWalletMetrics 创建钱包服务指标
func NewWalletMetrics() *WalletMetrics {
	return &WalletMetrics{
		GrantTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_grant_total",
				Help: "Total number of credit grants",
			},
			[]string{"source", "result"},
		),
		GrantCredits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_grant_credits_total",
				Help: "Total credits granted",
			},
			[]string{"source"},
		),

		DeductTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_deduct_total",
				Help: "Total number of balance deductions",
			},
			[]string{"result"},
		),
		DeductCredits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_deduct_credits_total",
				Help: "Total credits deducted",
			},
			[]string{"source"},
		),
		DeductDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallet_deduct_duration_seconds",
				Help:    "Duration of balance deduction operations",
				Buckets: prometheus.DefBuckets,
			},
		),
		DeductRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_deduct_cas_retries_total",
				Help: "Total number of compare-and-swap retries during deduction",
			},
		),

		AffordCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_afford_check_total",
				Help: "Total number of affordability checks",
			},
			[]string{"result"}, // result: allowed/denied/error
		),
		AffordCheckDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallet_afford_check_duration_seconds",
				Help:    "Duration of affordability checks",
				Buckets: prometheus.DefBuckets,
			},
		),

		RecordUsageTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_record_usage_total",
				Help: "Total number of usage recording attempts",
			},
			[]string{"provider", "result"}, // result: success/replayed/failed
		),
		RecordUsageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_record_usage_duration_seconds",
				Help:    "Duration of usage recording operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		BalanceQueryTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_balance_query_total",
				Help: "Total number of balance queries",
			},
		),
		BalanceLowAlert: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_balance_low_alert",
				Help: "Set to 1 when the last queried balance is below the low-balance threshold",
			},
		),

		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_lock_acquire_total",
				Help: "Total number of deduct lock acquisition attempts",
			},
			[]string{"result"},
		),
		LockAcquireDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallet_lock_acquire_duration_seconds",
				Help:    "Duration of deduct lock acquisition",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),

		ReconcileTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_reconcile_total",
				Help: "Total number of reconciliation runs",
			},
			[]string{"result"}, // result: consistent/inconsistent
		),
		ReconcileDriftPercent: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallet_reconcile_drift_percent",
				Help:    "Distribution of reconciliation drift percentage",
				Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		ReconcileInconsistent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_reconcile_inconsistent_users",
				Help: "Number of inconsistent users found by the last reconciliation sweep",
			},
		),
	}
}

// 全局指标实例
var defaultMetrics *WalletMetrics

// InitMetrics 初始化全局指标（重复调用不会重复注册）
func InitMetrics() {
	if defaultMetrics == nil {
		defaultMetrics = NewWalletMetrics()
	}
}

// GetMetrics 获取全局指标实例
func GetMetrics() *WalletMetrics {
	if defaultMetrics == nil {
		InitMetrics()
	}
	return defaultMetrics
}
