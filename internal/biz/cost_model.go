package biz

import (
	"context"
	"fmt"
	"math"
)

// CostEstimate 单次调用成本估算结果
type CostEstimate struct {
	Credits int64   // 应扣积分
	CostUSD float64 // 折算美元成本
}

// CostModel 成本模型，按 provider/model 和 token 用量估算积分
type CostModel interface {
	EstimateCost(ctx context.Context, provider, model string, usage *UsageMetrics) (*CostEstimate, error)
}

type tableCostModel struct {
	conf *WalletConfig
}

// NewCostModel 创建基于费率表的成本模型
func NewCostModel(conf *WalletConfig) CostModel {
	return &tableCostModel{conf: conf}
}

// EstimateCost 按费率表估算积分，未配置的模型返回错误由调用方兜底
func (m *tableCostModel) EstimateCost(ctx context.Context, provider, model string, usage *UsageMetrics) (*CostEstimate, error) {
	if usage == nil {
		return nil, fmt.Errorf("usage metrics is nil")
	}

	key := provider + "/" + model
	price, ok := m.conf.Prices[key]
	if !ok {
		return nil, fmt.Errorf("no price configured for model: %s", key)
	}

	raw := float64(usage.InputTokens)/1000.0*price.InputPerKTokens +
		float64(usage.OutputTokens)/1000.0*price.OutputPerKTokens
	credits := int64(math.Ceil(raw))
	if credits < 1 {
		credits = 1
	}

	return &CostEstimate{
		Credits: credits,
		CostUSD: float64(credits) / m.conf.CreditsPerUSD,
	}, nil
}
