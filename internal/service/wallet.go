package service

import (
	"context"

	"wallet-service/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// WalletService 对外查询服务（余额、总览、预检、流水、授予记录）
type WalletService struct {
	billing *biz.BillingUseCase
	log     *log.Helper
}

// NewWalletService 创建对外服务实例
func NewWalletService(billing *biz.BillingUseCase, logger log.Logger) *WalletService {
	return &WalletService{
		billing: billing,
		log:     log.NewHelper(logger),
	}
}

// GetBalance 查询余额
func (s *WalletService) GetBalance(ctx context.Context, userID string) (*BalanceReply, error) {
	balance, err := s.billing.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toBalanceReply(balance), nil
}

// GetSummary 查询钱包总览
func (s *WalletService) GetSummary(ctx context.Context, userID string) (*WalletSummaryReply, error) {
	summary, err := s.billing.GetWalletSummary(ctx, userID)
	if err != nil {
		return nil, err
	}

	reply := &WalletSummaryReply{
		Balance:           toBalanceReply(summary.Balance),
		LowBalance:        summary.LowBalance,
		LowBalanceMessage: summary.LowBalanceMessage,
		EstimatedUSD:      summary.EstimatedUSD,
		NextFreeReset:     summary.NextFreeReset,
	}
	for _, w := range summary.ExpiryWarnings {
		reply.ExpiryWarnings = append(reply.ExpiryWarnings, &ExpiryWarningReply{
			Source:    w.Source,
			ExpiresAt: w.ExpiresAt,
			DaysLeft:  w.DaysLeft,
		})
	}
	return reply, nil
}

// CheckAfford 支付能力预检
func (s *WalletService) CheckAfford(ctx context.Context, req *AffordRequest) (*AffordReply, error) {
	result, err := s.billing.CanAfford(ctx, req.UserID, req.EstimatedCredits, req.BufferMultiplier)
	if err != nil {
		return nil, err
	}
	return toAffordReply(result), nil
}

// Estimate 调用前成本估算 + 预检
func (s *WalletService) Estimate(ctx context.Context, req *EstimateRequest) (*EstimateReply, error) {
	result, err := s.billing.EstimateAndCheck(ctx, req.UserID, req.Provider, req.Model, &biz.UsageMetrics{
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
	})
	if err != nil {
		return nil, err
	}
	return &EstimateReply{
		Credits:       result.Credits,
		CostUSD:       result.CostUSD,
		Fallback:      result.Fallback,
		Affordability: toAffordReply(result.Affordability),
	}, nil
}

// ListUsage 分页查询用量流水
func (s *WalletService) ListUsage(ctx context.Context, userID string, page, pageSize int) (*UsageEntryListReply, error) {
	entries, total, err := s.billing.ListEntries(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}

	reply := &UsageEntryListReply{
		Entries:  make([]*UsageEntryReply, 0, len(entries)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, e := range entries {
		reply.Entries = append(reply.Entries, toUsageEntryReply(e))
	}
	return reply, nil
}

// UsageSummaryToday 今日用量汇总
func (s *WalletService) UsageSummaryToday(ctx context.Context, userID string) (*UsageSummaryReply, error) {
	summary, err := s.billing.UsageSummaryToday(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toUsageSummaryReply(summary), nil
}

// UsageSummaryMonth 本月用量汇总
func (s *WalletService) UsageSummaryMonth(ctx context.Context, userID string) (*UsageSummaryReply, error) {
	summary, err := s.billing.UsageSummaryMonth(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toUsageSummaryReply(summary), nil
}

// ListGrants 分页查询授予记录
func (s *WalletService) ListGrants(ctx context.Context, userID string, page, pageSize int) (*GrantListReply, error) {
	grants, total, err := s.billing.ListGrants(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}

	reply := &GrantListReply{
		Grants:   make([]*GrantReply, 0, len(grants)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, g := range grants {
		reply.Grants = append(reply.Grants, toGrantReply(g))
	}
	return reply, nil
}

func toAffordReply(r *biz.AffordabilityResult) *AffordReply {
	return &AffordReply{
		CanAfford:        r.CanAfford,
		Available:        r.Available,
		Required:         r.Required,
		EstimatedCredits: r.EstimatedCredits,
		BufferMultiplier: r.BufferMultiplier,
		Breakdown:        r.Breakdown,
	}
}

func toUsageSummaryReply(s *biz.UsageSummary) *UsageSummaryReply {
	return &UsageSummaryReply{
		UserID:              s.UserID,
		Period:              s.Period,
		Calls:               s.Calls,
		Credits:             s.Credits,
		FreeCredits:         s.FreeCredits,
		SubscriptionCredits: s.SubscriptionCredits,
		PackageCredits:      s.PackageCredits,
		CostUSD:             s.CostUSD,
	}
}
