package biz

import (
	"context"
	"fmt"
	"math"
	"time"

	"wallet-service/internal/constants"
	walletErrors "wallet-service/internal/errors"
	"wallet-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// ExpiryWarning 积分到期提醒
type ExpiryWarning struct {
	Source    string
	ExpiresAt time.Time
	DaysLeft  int
}

// WalletSummary 钱包总览（余额 + 提醒信息，面向外部查询接口）
type WalletSummary struct {
	Balance           *WalletBalance
	LowBalance        bool
	LowBalanceMessage string
	ExpiryWarnings    []*ExpiryWarning
	EstimatedUSD      float64
	NextFreeReset     time.Time
}

// EstimateResult 调用前估算结果
type EstimateResult struct {
	Credits       int64
	CostUSD       float64
	Fallback      bool // 命中兜底费率
	Affordability *AffordabilityResult
}

// BillingUseCase 计费编排层：组合钱包引擎与用量记账，对外提供完整的计费入口
type BillingUseCase struct {
	wallet    *WalletUseCase
	usage     *UsageLedgerUseCase
	grants    *CreditGrantUseCase
	costModel CostModel
	conf      *WalletConfig
	repo      WalletRepo
	log       *log.Helper
	metrics   *metrics.WalletMetrics
}

// NewBillingUseCase 创建计费 UseCase
func NewBillingUseCase(
	wallet *WalletUseCase,
	usage *UsageLedgerUseCase,
	grants *CreditGrantUseCase,
	costModel CostModel,
	conf *WalletConfig,
	repo WalletRepo,
	logger log.Logger,
) *BillingUseCase {
	return &BillingUseCase{
		wallet:    wallet,
		usage:     usage,
		grants:    grants,
		costModel: costModel,
		conf:      conf,
		repo:      repo,
		log:       log.NewHelper(logger),
		metrics:   metrics.GetMetrics(),
	}
}

// GetBalance 查询余额（钱包不存在时懒创建）
func (uc *BillingUseCase) GetBalance(ctx context.Context, userID string) (*WalletBalance, error) {
	return uc.wallet.GetBalance(ctx, userID)
}

// GetWalletSummary 钱包总览：余额、低余额提示、到期提醒、美元折算
func (uc *BillingUseCase) GetWalletSummary(ctx context.Context, userID string) (*WalletSummary, error) {
	balance, err := uc.wallet.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &WalletSummary{
		Balance:       balance,
		NextFreeReset: balance.FreeResetAt,
	}
	if uc.conf.CreditsPerUSD > 0 {
		summary.EstimatedUSD = float64(balance.TotalCredits) / uc.conf.CreditsPerUSD
	}

	if balance.TotalCredits < uc.conf.LowBalanceThreshold {
		summary.LowBalance = true
		summary.LowBalanceMessage = fmt.Sprintf("balance is below %d credits, consider topping up", uc.conf.LowBalanceThreshold)
	}

	// 到期提醒只做提示，不做自动清理，守恒等式不受影响
	now := time.Now()
	noticeWindow := time.Duration(uc.conf.ExpiryNoticeDays) * 24 * time.Hour
	if balance.SubscriptionCredits > 0 && !balance.SubscriptionPeriodEnd.IsZero() &&
		balance.SubscriptionPeriodEnd.After(now) && balance.SubscriptionPeriodEnd.Sub(now) <= noticeWindow {
		summary.ExpiryWarnings = append(summary.ExpiryWarnings, &ExpiryWarning{
			Source:    constants.SourceSubscription,
			ExpiresAt: balance.SubscriptionPeriodEnd,
			DaysLeft:  int(math.Ceil(balance.SubscriptionPeriodEnd.Sub(now).Hours() / 24)),
		})
	}
	return summary, nil
}

// EstimateAndCheck 调用前估算成本并做支付能力预检
// 费率表缺失该模型时按兜底费率（按 token 计）估算。
func (uc *BillingUseCase) EstimateAndCheck(ctx context.Context, userID, provider, model string, usage *UsageMetrics) (*EstimateResult, error) {
	if usage == nil {
		return nil, walletErrors.ErrInvalidUsageData("usage metrics is required")
	}

	result := &EstimateResult{}
	estimate, err := uc.costModel.EstimateCost(ctx, provider, model, usage)
	if err != nil {
		// 未配置费率的模型走兜底，不阻断调用
		uc.log.Warnf("cost model fallback: provider=%s, model=%s, err=%v", provider, model, err)
		credits := int64(math.Ceil(float64(usage.TotalTokens()) * uc.conf.FallbackCreditsPerToken))
		if credits < 1 {
			credits = 1
		}
		result.Credits = credits
		result.CostUSD = float64(credits) / uc.conf.CreditsPerUSD
		result.Fallback = true
	} else {
		result.Credits = estimate.Credits
		result.CostUSD = estimate.CostUSD
	}

	affordability, err := uc.wallet.CanAfford(ctx, userID, result.Credits, uc.conf.BufferMultiplier)
	if err != nil {
		return nil, err
	}
	result.Affordability = affordability
	return result, nil
}

// CanAfford 支付能力预检（已知预估积分时的直接入口）
func (uc *BillingUseCase) CanAfford(ctx context.Context, userID string, estimatedCredits int64, bufferMultiplier float64) (*AffordabilityResult, error) {
	return uc.wallet.CanAfford(ctx, userID, estimatedCredits, bufferMultiplier)
}

// RecordUsage 记录一次模型调用并扣减积分（幂等）
// Credits 为零时按成本模型计算，模型未配置费率则按兜底费率。
func (uc *BillingUseCase) RecordUsage(ctx context.Context, params *RecordUsageParams) (*UsageLedgerEntry, error) {
	if params != nil && params.Credits <= 0 && params.UsageMetrics != nil {
		estimate, err := uc.costModel.EstimateCost(ctx, params.Provider, params.Model, params.UsageMetrics)
		if err != nil {
			credits := int64(math.Ceil(float64(params.UsageMetrics.TotalTokens()) * uc.conf.FallbackCreditsPerToken))
			if credits < 1 {
				credits = 1
			}
			params.Credits = credits
			params.CostEstimate = float64(credits) / uc.conf.CreditsPerUSD
		} else {
			params.Credits = estimate.Credits
			params.CostEstimate = estimate.CostUSD
		}
	}
	return uc.usage.RecordUsage(ctx, params)
}

// Deduct 直接扣减积分（内部接口，用于用量记账之外的扣费场景）
func (uc *BillingUseCase) Deduct(ctx context.Context, userID string, credits int64, opts *DeductOptions) (*DeductResult, error) {
	return uc.wallet.Deduct(ctx, userID, credits, opts)
}

// Grant 授予积分（内部接口）
func (uc *BillingUseCase) Grant(ctx context.Context, userID string, credits int64, source, reason string, opts *GrantOptions) (*CreditGrant, error) {
	return uc.wallet.Grant(ctx, userID, credits, source, reason, opts)
}

// ApplyGrantEvent 消费来自支付侧的授予事件（MQ 入口）
// 事件可能被重投，靠 ExternalRef 幂等去重。
func (uc *BillingUseCase) ApplyGrantEvent(ctx context.Context, event *GrantEvent) error {
	if event == nil || event.UserID == "" {
		return walletErrors.ErrInvalidGrant("grant event missing user_id")
	}
	reason := event.Reason
	if reason == "" {
		reason = constants.GrantReasonPackagePurchase
	}
	opts := &GrantOptions{
		ExpiresAt:   event.ExpiresAt,
		ExternalRef: event.ExternalRef,
	}
	_, err := uc.wallet.Grant(ctx, event.UserID, event.Credits, event.Source, reason, opts)
	if err != nil {
		uc.log.Errorf("apply grant event failed: user_id=%s, external_ref=%s, err=%v",
			event.UserID, event.ExternalRef, err)
		return err
	}
	uc.log.Infof("grant event applied: user_id=%s, credits=%d, source=%s, external_ref=%s",
		event.UserID, event.Credits, event.Source, event.ExternalRef)
	return nil
}

// Reconcile 单用户对账
func (uc *BillingUseCase) Reconcile(ctx context.Context, userID string) (*ReconciliationResult, error) {
	return uc.wallet.Reconcile(ctx, userID)
}

// ReconcileAll 全量对账巡检：逐用户比对，返回不一致的用户列表
// 只读巡检，失败的用户跳过并继续，避免单个坏数据阻断整轮。
func (uc *BillingUseCase) ReconcileAll(ctx context.Context) ([]string, error) {
	userIDs, err := uc.repo.GetAllUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	var inconsistent []string
	for _, userID := range userIDs {
		result, err := uc.wallet.Reconcile(ctx, userID)
		if err != nil {
			uc.log.Errorf("reconcile failed: user_id=%s, err=%v", userID, err)
			continue
		}
		if !result.IsConsistent {
			inconsistent = append(inconsistent, userID)
		}
	}

	if uc.metrics != nil {
		uc.metrics.ReconcileInconsistent.Set(float64(len(inconsistent)))
	}
	uc.log.Infof("reconcile sweep done: users=%d, inconsistent=%d", len(userIDs), len(inconsistent))
	return inconsistent, nil
}

// ResetFreeCredits 每月免费额度补足巡检（定时任务入口）
// 返回补足的用户数和失败的用户列表。
func (uc *BillingUseCase) ResetFreeCredits(ctx context.Context) (int, []string, error) {
	userIDs, err := uc.repo.GetAllUserIDs(ctx)
	if err != nil {
		return 0, nil, err
	}

	var (
		success int
		failed  []string
	)
	for _, userID := range userIDs {
		delta, err := uc.wallet.TopUpFreeCredits(ctx, userID)
		if err != nil {
			uc.log.Errorf("free credits top up failed: user_id=%s, err=%v", userID, err)
			failed = append(failed, userID)
			continue
		}
		success++
		if delta > 0 {
			uc.log.Infof("free credits topped up: user_id=%s, delta=%d", userID, delta)
		}
	}

	uc.log.Infof("free credits reset done: total=%d, success=%d, failed=%d",
		len(userIDs), success, len(failed))
	return success, failed, nil
}

// ListEntries 分页查询用量流水
func (uc *BillingUseCase) ListEntries(ctx context.Context, userID string, page, pageSize int) ([]*UsageLedgerEntry, int64, error) {
	return uc.usage.ListEntries(ctx, userID, page, pageSize)
}

// UsageSummaryToday 今日用量汇总
func (uc *BillingUseCase) UsageSummaryToday(ctx context.Context, userID string) (*UsageSummary, error) {
	return uc.usage.SummaryToday(ctx, userID)
}

// UsageSummaryMonth 本月用量汇总
func (uc *BillingUseCase) UsageSummaryMonth(ctx context.Context, userID string) (*UsageSummary, error) {
	return uc.usage.SummaryMonth(ctx, userID)
}

// ListGrants 分页查询授予记录
func (uc *BillingUseCase) ListGrants(ctx context.Context, userID string, page, pageSize int) ([]*CreditGrant, int64, error) {
	return uc.grants.ListGrants(ctx, userID, page, pageSize)
}
