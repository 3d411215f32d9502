package biz

import (
	"wallet-service/internal/conf"
)

// ModelPrice 模型费率（积分 / 1K tokens）
type ModelPrice struct {
	InputPerKTokens  float64
	OutputPerKTokens float64
}

// WalletConfig 钱包业务配置
type WalletConfig struct {
	InitialFreeCredits        int64
	MonthlyFreeCredits        int64
	BufferMultiplier          float64 // 预检安全系数
	LowBalanceThreshold       int64   // 低余额提醒阈值（积分）
	ExpiryNoticeDays          int     // 到期提醒窗口（天）
	CreditsPerUSD             float64 // 积分/美元换算比
	ReconcileTolerancePercent float64 // 对账容差（百分比）
	FallbackCreditsPerToken   float64 // 定价失败兜底费率
	Prices                    map[string]*ModelPrice
}

// NewWalletConfig 从启动配置创建 WalletConfig
func NewWalletConfig(c *conf.Bootstrap) *WalletConfig {
	config := &WalletConfig{
		InitialFreeCredits:        500,
		MonthlyFreeCredits:        500,
		BufferMultiplier:          1.2,
		LowBalanceThreshold:       100,
		ExpiryNoticeDays:          7,
		CreditsPerUSD:             1000.0,
		ReconcileTolerancePercent: 1.0,
		FallbackCreditsPerToken:   0.002,
		Prices:                    make(map[string]*ModelPrice),
	}
	if c == nil || c.Wallet == nil {
		return config
	}

	w := c.Wallet
	if w.InitialFreeCredits > 0 {
		config.InitialFreeCredits = w.InitialFreeCredits
	}
	if w.MonthlyFreeCredits > 0 {
		config.MonthlyFreeCredits = w.MonthlyFreeCredits
	}
	if w.BufferMultiplier > 1 {
		config.BufferMultiplier = w.BufferMultiplier
	}
	if w.LowBalanceThreshold > 0 {
		config.LowBalanceThreshold = w.LowBalanceThreshold
	}
	if w.ExpiryNoticeDays > 0 {
		config.ExpiryNoticeDays = w.ExpiryNoticeDays
	}
	if w.CreditsPerUSD > 0 {
		config.CreditsPerUSD = w.CreditsPerUSD
	}
	if w.ReconcileTolerancePercent > 0 {
		config.ReconcileTolerancePercent = w.ReconcileTolerancePercent
	}
	if w.FallbackCreditsPerToken > 0 {
		config.FallbackCreditsPerToken = w.FallbackCreditsPerToken
	}
	for k, v := range w.Prices {
		config.Prices[k] = &ModelPrice{
			InputPerKTokens:  v.InputPerKTokens,
			OutputPerKTokens: v.OutputPerKTokens,
		}
	}
	return config
}
