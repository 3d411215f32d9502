package biz

import (
	"context"
	"math"
	"time"

	"wallet-service/internal/constants"
	walletErrors "wallet-service/internal/errors"
	"wallet-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// WalletBalance 钱包余额领域对象（按来源分桶的反规范化缓存行）
// 不变量：TotalCredits == FreeCredits + SubscriptionCredits + PackageCredits，
// 任何桶不得为负。该行只能通过 Grant/Deduct 的原子操作变更。
type WalletBalance struct {
	UserID                string
	FreeCredits           int64
	SubscriptionCredits   int64
	PackageCredits        int64
	TotalCredits          int64
	FreeResetAt           time.Time
	SubscriptionPeriodEnd time.Time
	UpdatedAt             time.Time
}

// BucketCredits 返回指定余额桶的积分
func (b *WalletBalance) BucketCredits(bucket string) int64 {
	switch bucket {
	case constants.SourceFree:
		return b.FreeCredits
	case constants.SourceSubscription:
		return b.SubscriptionCredits
	case constants.SourcePackage:
		return b.PackageCredits
	}
	return 0
}

// GrantOptions 授予操作的可选参数
type GrantOptions struct {
	// ExpiresAt 积分到期时间（订阅授予会同步推进钱包的 subscription_period_end）
	ExpiresAt *time.Time
	// ExternalRef 外部支付侧的不透明引用，幂等去重用
	ExternalRef string
}

// DeductOptions 扣减操作的可选参数
type DeductOptions struct {
	// PreferredSource 指定后仅从该桶扣减，余额不足则失败
	PreferredSource string
}

// SourceAmount 一次扣减中某个余额桶承担的份额
type SourceAmount struct {
	Source  string
	Credits int64
}

// DeductResult 扣减结果
type DeductResult struct {
	Drawn         []SourceAmount // 按扣减顺序
	PrimarySource string         // 承担份额最大的桶
	NewTotal      int64
}

// AffordabilityResult 支付能力预检结果（只读，不预留、不加锁）
type AffordabilityResult struct {
	CanAfford        bool
	Available        int64
	Required         int64
	EstimatedCredits int64
	BufferMultiplier float64
	Breakdown        map[string]int64 // 按余额桶
}

// BucketReconciliation 单个余额桶的对账明细
type BucketReconciliation struct {
	Source            string
	WalletCredits     int64 // 余额行中的值
	GrantedCredits    int64 // Σ 授予
	ChargedCredits    int64 // Σ 已完成流水
	CalculatedCredits int64 // Granted - Charged
	Consistent        bool
}

// ReconciliationResult 对账结果（检测机制，不自动修复）
type ReconciliationResult struct {
	UserID            string
	WalletTotal       int64
	CalculatedTotal   int64
	Difference        int64
	DifferencePercent float64
	IsConsistent      bool
	Buckets           []*BucketReconciliation
	CheckedAt         time.Time
}

// ReconciliationSums 数据层返回的对账原始汇总
type ReconciliationSums struct {
	Wallet  *WalletBalance
	Granted map[string]int64 // 按余额桶
	Charged map[string]int64 // 按余额桶（仅 completed 流水）
}

// WalletRepo 统一数据层接口（用于跨领域事务）
// Grant/Deduct/RecordUsage 的实现必须保证：要么整体提交，要么无任何可见变更。
type WalletRepo interface {
	GetWalletBalance(ctx context.Context, userID string) (*WalletBalance, error)
	// CreateWalletBalance 以零余额创建钱包行，created 表示本次调用真正插入了该行
	CreateWalletBalance(ctx context.Context, userID string, freeResetAt time.Time) (balance *WalletBalance, created bool, err error)
	// ApplyGrant 原子地插入授予记录并递增对应余额桶；ExternalRef 命中已有授予时返回原记录
	ApplyGrant(ctx context.Context, grant *CreditGrant) (*CreditGrant, error)
	// Deduct 原子地按给定优先级策略扣减余额
	Deduct(ctx context.Context, userID string, credits int64, preferredSource string) (*DeductResult, error)
	// RecordUsage 幂等落流水并扣减，replayed 表示命中了已有幂等键
	RecordUsage(ctx context.Context, entry *UsageLedgerEntry) (result *UsageLedgerEntry, replayed bool, err error)
	// ReconcileSums 快照读取对账所需的三方汇总，不持有阻塞授予/扣减的锁
	ReconcileSums(ctx context.Context, userID string) (*ReconciliationSums, error)
	GetAllUserIDs(ctx context.Context) ([]string, error)
	// AdvanceFreeReset 推进下次免费额度重置时间（无授予发生时使用）
	AdvanceFreeReset(ctx context.Context, userID string, resetAt time.Time) error
}

// deductPriority 固定扣减优先级：加油包 → 订阅 → 免费。
// 加油包不过期、先扣，减少订阅失效时不过期积分的沉没；订阅积分期末作废，其次；
// 免费额度每月补足，最后扣。
var deductPriority = []string{
	constants.SourcePackage,
	constants.SourceSubscription,
	constants.SourceFree,
}

// BucketForSource 授予来源到余额桶的映射
// promo/refund 没有独立的桶，计入不过期的 package 桶，来源保留在授予记录上。
func BucketForSource(source string) string {
	switch source {
	case constants.SourceFree:
		return constants.SourceFree
	case constants.SourceSubscription:
		return constants.SourceSubscription
	default:
		return constants.SourcePackage
	}
}

// ValidSource 判断授予来源是否合法
func ValidSource(source string) bool {
	switch source {
	case constants.SourceFree, constants.SourceSubscription, constants.SourcePackage,
		constants.SourcePromo, constants.SourceRefund:
		return true
	}
	return false
}

// PlanDeduction 在给定余额上计算一次扣减的分桶方案（纯函数，事务内调用）
// preferredSource 非空时仅从该桶扣；否则按固定优先级贪心扣减。
// 余额不足时不产生任何方案，返回 InsufficientCredits。
func PlanDeduction(balance *WalletBalance, credits int64, preferredSource string) ([]SourceAmount, error) {
	if preferredSource != "" {
		bucket := BucketForSource(preferredSource)
		available := balance.BucketCredits(bucket)
		if available < credits {
			return nil, walletErrors.ErrInsufficientCredits(credits, available)
		}
		return []SourceAmount{{Source: bucket, Credits: credits}}, nil
	}

	if balance.TotalCredits < credits {
		return nil, walletErrors.ErrInsufficientCredits(credits, balance.TotalCredits)
	}

	remaining := credits
	var drawn []SourceAmount
	for _, bucket := range deductPriority {
		if remaining == 0 {
			break
		}
		available := balance.BucketCredits(bucket)
		if available == 0 {
			continue
		}
		take := available
		if take > remaining {
			take = remaining
		}
		drawn = append(drawn, SourceAmount{Source: bucket, Credits: take})
		remaining -= take
	}
	return drawn, nil
}

// PrimarySource 取承担份额最大的桶（展示用）
func PrimarySource(drawn []SourceAmount) string {
	primary := ""
	var most int64 = -1
	for _, d := range drawn {
		if d.Credits > most {
			most = d.Credits
			primary = d.Source
		}
	}
	return primary
}

// NextFreeResetAt 下一个免费额度重置时间（次月 1 日零点，UTC）
func NextFreeResetAt(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// WalletUseCase 钱包引擎：授予、按优先级扣减、带安全系数的预检、对账
type WalletUseCase struct {
	repo    WalletRepo
	conf    *WalletConfig
	log     *log.Helper
	metrics *metrics.WalletMetrics
}

// NewWalletUseCase 创建钱包 UseCase
func NewWalletUseCase(repo WalletRepo, conf *WalletConfig, logger log.Logger) *WalletUseCase {
	return &WalletUseCase{
		repo:    repo,
		conf:    conf,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// GetBalance 获取余额，首次触达时懒创建钱包并发放初始免费额度
func (uc *WalletUseCase) GetBalance(ctx context.Context, userID string) (*WalletBalance, error) {
	if uc.metrics != nil {
		uc.metrics.BalanceQueryTotal.Inc()
	}

	balance, err := uc.repo.GetWalletBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}

	// 钱包不存在，懒创建（零余额行 + 初始免费授予）
	balance, created, err := uc.repo.CreateWalletBalance(ctx, userID, NextFreeResetAt(time.Now()))
	if err != nil {
		return nil, err
	}

	// 只有真正插入了余额行的调用方发放初始额度，避免并发首次触达时重复发放
	if created && uc.conf.InitialFreeCredits > 0 {
		if _, err := uc.repo.ApplyGrant(ctx, NewCreditGrant(userID, uc.conf.InitialFreeCredits,
			constants.SourceFree, constants.GrantReasonInitialFree, nil)); err != nil {
			return nil, err
		}
		uc.log.Infof("wallet initialized: user_id=%s, initial_free=%d", userID, uc.conf.InitialFreeCredits)
		return uc.repo.GetWalletBalance(ctx, userID)
	}

	return balance, nil
}

// Grant 授予积分：插入授予记录并递增对应余额桶，单个原子单元
// 授予没有调用方可见的上限。
func (uc *WalletUseCase) Grant(ctx context.Context, userID string, credits int64, source, reason string, opts *GrantOptions) (*CreditGrant, error) {
	if credits <= 0 {
		return nil, walletErrors.ErrInvalidGrant("credits must be a positive integer")
	}
	if !ValidSource(source) {
		return nil, walletErrors.ErrInvalidGrant("unknown credit source: " + source)
	}

	// 确保钱包行存在（懒创建路径）
	if _, err := uc.GetBalance(ctx, userID); err != nil {
		return nil, err
	}

	grant := NewCreditGrant(userID, credits, source, reason, opts)
	applied, err := uc.repo.ApplyGrant(ctx, grant)
	if uc.metrics != nil {
		result := constants.ResultSuccess
		if err != nil {
			result = constants.ResultFailed
		}
		uc.metrics.GrantTotal.WithLabelValues(source, result).Inc()
		if err == nil && applied.ID == grant.ID {
			uc.metrics.GrantCredits.WithLabelValues(source).Add(float64(credits))
		}
	}
	if err != nil {
		return nil, err
	}

	if applied.ID != grant.ID {
		uc.log.Infof("grant replayed by external ref: user_id=%s, external_ref=%s, grant_id=%s",
			userID, opts.ExternalRef, applied.ID)
	}
	return applied, nil
}

// Deduct 按优先级扣减积分
// 同一用户的并发扣减在数据层串行化；余额不足时无任何变更。
func (uc *WalletUseCase) Deduct(ctx context.Context, userID string, credits int64, opts *DeductOptions) (*DeductResult, error) {
	if credits <= 0 {
		return nil, walletErrors.ErrInvalidGrant("credits must be a positive integer")
	}
	preferred := ""
	if opts != nil {
		preferred = opts.PreferredSource
	}
	if preferred != "" && !ValidSource(preferred) {
		return nil, walletErrors.ErrInvalidGrant("unknown credit source: " + preferred)
	}

	// 确保钱包行存在，首次触达也能得到明确的余额不足而非 not found
	if _, err := uc.GetBalance(ctx, userID); err != nil {
		return nil, err
	}

	startTime := time.Now()
	result, err := uc.repo.Deduct(ctx, userID, credits, preferred)
	if uc.metrics != nil {
		uc.metrics.DeductDuration.Observe(time.Since(startTime).Seconds())
		if err != nil {
			uc.metrics.DeductTotal.WithLabelValues(constants.ResultFailed).Inc()
		} else {
			uc.metrics.DeductTotal.WithLabelValues(constants.ResultSuccess).Inc()
			for _, d := range result.Drawn {
				uc.metrics.DeductCredits.WithLabelValues(d.Source).Add(float64(d.Credits))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	uc.log.Infof("deducted: user_id=%s, credits=%d, primary=%s, new_total=%d",
		userID, credits, result.PrimarySource, result.NewTotal)
	return result, nil
}

// CanAfford 支付能力预检：required = ceil(estimated × multiplier)
// 只读 advisory 检查，不预留积分；预检与后续记账之间的窗口里余额可能被并发消耗，
// 届时 RecordUsage 内部的扣减会以余额不足收尾（有意的乐观设计）。
func (uc *WalletUseCase) CanAfford(ctx context.Context, userID string, estimatedCredits int64, bufferMultiplier float64) (*AffordabilityResult, error) {
	startTime := time.Now()
	defer func() {
		if uc.metrics != nil {
			uc.metrics.AffordCheckDuration.Observe(time.Since(startTime).Seconds())
		}
	}()

	if estimatedCredits < 0 {
		return nil, walletErrors.ErrInvalidUsageData("estimated credits must not be negative")
	}
	if bufferMultiplier <= 0 {
		bufferMultiplier = uc.conf.BufferMultiplier
	}

	balance, err := uc.GetBalance(ctx, userID)
	if err != nil {
		if uc.metrics != nil {
			uc.metrics.AffordCheckTotal.WithLabelValues(constants.CheckResultError).Inc()
		}
		return nil, err
	}

	required := int64(math.Ceil(float64(estimatedCredits) * bufferMultiplier))
	result := &AffordabilityResult{
		CanAfford:        balance.TotalCredits >= required,
		Available:        balance.TotalCredits,
		Required:         required,
		EstimatedCredits: estimatedCredits,
		BufferMultiplier: bufferMultiplier,
		Breakdown: map[string]int64{
			constants.SourceFree:         balance.FreeCredits,
			constants.SourceSubscription: balance.SubscriptionCredits,
			constants.SourcePackage:      balance.PackageCredits,
		},
	}

	if uc.metrics != nil {
		if result.CanAfford {
			uc.metrics.AffordCheckTotal.WithLabelValues(constants.CheckResultAllowed).Inc()
		} else {
			uc.metrics.AffordCheckTotal.WithLabelValues(constants.CheckResultDenied).Inc()
		}
		if balance.TotalCredits < uc.conf.LowBalanceThreshold {
			uc.metrics.BalanceLowAlert.Set(1)
		} else {
			uc.metrics.BalanceLowAlert.Set(0)
		}
	}
	return result, nil
}

// Reconcile 对账：重算 Σ授予 − Σ已完成流水（按桶），与余额行逐桶及合计比对
// 只检测、不修正；自动修正会掩盖引起漂移的根因。
func (uc *WalletUseCase) Reconcile(ctx context.Context, userID string) (*ReconciliationResult, error) {
	sums, err := uc.repo.ReconcileSums(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sums.Wallet == nil {
		return nil, walletErrors.ErrWalletNotFound(userID)
	}

	result := &ReconciliationResult{
		UserID:      userID,
		WalletTotal: sums.Wallet.TotalCredits,
		CheckedAt:   time.Now().UTC(),
	}

	for _, bucket := range []string{constants.SourceFree, constants.SourceSubscription, constants.SourcePackage} {
		granted := sums.Granted[bucket]
		charged := sums.Charged[bucket]
		calculated := granted - charged
		walletCredits := sums.Wallet.BucketCredits(bucket)
		result.Buckets = append(result.Buckets, &BucketReconciliation{
			Source:            bucket,
			WalletCredits:     walletCredits,
			GrantedCredits:    granted,
			ChargedCredits:    charged,
			CalculatedCredits: calculated,
			Consistent:        walletCredits == calculated,
		})
		result.CalculatedTotal += calculated
	}

	result.Difference = result.WalletTotal - result.CalculatedTotal
	base := result.CalculatedTotal
	if base < 1 {
		base = 1
	}
	result.DifferencePercent = math.Abs(float64(result.Difference)) / float64(base) * 100
	result.IsConsistent = result.DifferencePercent <= uc.conf.ReconcileTolerancePercent

	if uc.metrics != nil {
		uc.metrics.ReconcileDriftPercent.Observe(result.DifferencePercent)
		if result.IsConsistent {
			uc.metrics.ReconcileTotal.WithLabelValues(constants.ReconcileResultConsistent).Inc()
		} else {
			uc.metrics.ReconcileTotal.WithLabelValues(constants.ReconcileResultInconsistent).Inc()
		}
	}
	if !result.IsConsistent {
		uc.log.Warnf("reconciliation drift: user_id=%s, wallet_total=%d, calculated=%d, diff=%d (%.2f%%)",
			userID, result.WalletTotal, result.CalculatedTotal, result.Difference, result.DifferencePercent)
	}
	return result, nil
}

// TopUpFreeCredits 每月免费额度补足：补到配置目标值并推进下次重置时间
// 采用补足而非清零重置，保证对账等式（Σ授予 − Σ流水）始终精确成立。
func (uc *WalletUseCase) TopUpFreeCredits(ctx context.Context, userID string) (int64, error) {
	balance, err := uc.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}

	nextReset := NextFreeResetAt(time.Now())
	delta := uc.conf.MonthlyFreeCredits - balance.FreeCredits
	if delta <= 0 {
		// 免费桶未低于目标值，仅推进重置时间
		return 0, uc.repo.AdvanceFreeReset(ctx, userID, nextReset)
	}

	if _, err := uc.repo.ApplyGrant(ctx, NewCreditGrant(userID, delta,
		constants.SourceFree, constants.GrantReasonFreeMonthlyReset, nil)); err != nil {
		return 0, err
	}
	return delta, nil
}
