package service

import (
	"context"

	"wallet-service/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// WalletInternalService 内部服务（授予、扣减、记账、对账）
// 只暴露给内网调用方（网关侧、支付侧、运维工具），不对外。
type WalletInternalService struct {
	billing *biz.BillingUseCase
	log     *log.Helper
}

// NewWalletInternalService 创建内部服务实例
func NewWalletInternalService(billing *biz.BillingUseCase, logger log.Logger) *WalletInternalService {
	return &WalletInternalService{
		billing: billing,
		log:     log.NewHelper(logger),
	}
}

// Grant 授予积分
func (s *WalletInternalService) Grant(ctx context.Context, req *GrantRequest) (*GrantReply, error) {
	opts := &biz.GrantOptions{
		ExpiresAt:   req.ExpiresAt,
		ExternalRef: req.ExternalRef,
	}
	grant, err := s.billing.Grant(ctx, req.UserID, req.Credits, req.Source, req.Reason, opts)
	if err != nil {
		return nil, err
	}
	return toGrantReply(grant), nil
}

// Deduct 直接扣减积分
func (s *WalletInternalService) Deduct(ctx context.Context, req *DeductRequest) (*DeductReply, error) {
	result, err := s.billing.Deduct(ctx, req.UserID, req.Credits, &biz.DeductOptions{
		PreferredSource: req.PreferredSource,
	})
	if err != nil {
		return nil, err
	}

	drawn := make(map[string]int64, len(result.Drawn))
	for _, d := range result.Drawn {
		drawn[d.Source] = d.Credits
	}
	return &DeductReply{
		Drawn:         drawn,
		PrimarySource: result.PrimarySource,
		NewTotal:      result.NewTotal,
	}, nil
}

// RecordUsage 记录一次模型调用并扣减积分（幂等）
func (s *WalletInternalService) RecordUsage(ctx context.Context, req *RecordUsageRequest) (*UsageEntryReply, error) {
	entry, err := s.billing.RecordUsage(ctx, &biz.RecordUsageParams{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		Provider:  req.Provider,
		Model:     req.Model,
		UsageMetrics: &biz.UsageMetrics{
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
		},
		Credits:        req.Credits,
		CostEstimate:   req.CostEstimate,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return toUsageEntryReply(entry), nil
}

// Reconcile 单用户对账
func (s *WalletInternalService) Reconcile(ctx context.Context, userID string) (*ReconcileReply, error) {
	result, err := s.billing.Reconcile(ctx, userID)
	if err != nil {
		return nil, err
	}

	reply := &ReconcileReply{
		UserID:            result.UserID,
		WalletTotal:       result.WalletTotal,
		CalculatedTotal:   result.CalculatedTotal,
		Difference:        result.Difference,
		DifferencePercent: result.DifferencePercent,
		IsConsistent:      result.IsConsistent,
		CheckedAt:         result.CheckedAt,
	}
	for _, b := range result.Buckets {
		reply.Buckets = append(reply.Buckets, &ReconcileBucketReply{
			Source:            b.Source,
			WalletCredits:     b.WalletCredits,
			GrantedCredits:    b.GrantedCredits,
			ChargedCredits:    b.ChargedCredits,
			CalculatedCredits: b.CalculatedCredits,
			Consistent:        b.Consistent,
		})
	}
	return reply, nil
}
