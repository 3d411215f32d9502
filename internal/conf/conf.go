package conf

import (
	"encoding/json"
	"time"
)

// Bootstrap 启动配置（configs/config.yaml 经 kratos config Scan 填充）
type Bootstrap struct {
	Server *Server `json:"server"`
	Data   *Data   `json:"data"`
	Wallet *Wallet `json:"wallet"`
}

// Server 服务配置
type Server struct {
	Http *HTTP `json:"http"`
}

// HTTP HTTP 服务配置
type HTTP struct {
	Network string   `json:"network"`
	Addr    string   `json:"addr"`
	Timeout Duration `json:"timeout"`
}

// Data 数据层配置
type Data struct {
	Database *Database `json:"database"`
	Redis    *Redis    `json:"redis"`
	Rocketmq *Rocketmq `json:"rocketmq"`
}

// Database 数据库配置
type Database struct {
	Driver string `json:"driver"`
	Source string `json:"source"`
}

// Redis Redis 配置
type Redis struct {
	Addr         string   `json:"addr"`
	Password     string   `json:"password"`
	Db           int      `json:"db"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
}

// Rocketmq RocketMQ 配置
type Rocketmq struct {
	Enabled     bool     `json:"enabled"`
	NameServers []string `json:"name_servers"`
	GroupName   string   `json:"group_name"`
	GrantTopic  string   `json:"grant_topic"`
	UsageTopic  string   `json:"usage_topic"`
	RetryTimes  int      `json:"retry_times"`
}

// Wallet 钱包业务配置
type Wallet struct {
	// InitialFreeCredits 新用户首次触达钱包时授予的免费积分
	InitialFreeCredits int64 `json:"initial_free_credits"`
	// MonthlyFreeCredits 每月免费额度补足到的目标值
	MonthlyFreeCredits int64 `json:"monthly_free_credits"`
	// BufferMultiplier 预检安全系数（>1，吸收预估与实际计量之间的误差）
	BufferMultiplier float64 `json:"buffer_multiplier"`
	// LowBalanceThreshold 低余额提醒阈值（积分）
	LowBalanceThreshold int64 `json:"low_balance_threshold"`
	// ExpiryNoticeDays 到期提醒窗口（天）
	ExpiryNoticeDays int `json:"expiry_notice_days"`
	// CreditsPerUSD 积分与美元的换算比（用于余额的金额估算）
	CreditsPerUSD float64 `json:"credits_per_usd"`
	// ReconcileTolerancePercent 对账容差（百分比）
	ReconcileTolerancePercent float64 `json:"reconcile_tolerance_percent"`
	// FallbackCreditsPerToken 定价失败时的兜底费率（积分/token）
	FallbackCreditsPerToken float64 `json:"fallback_credits_per_token"`
	// Prices 各 provider/model 的费率表
	Prices map[string]*ModelPrice `json:"prices"`
}

// ModelPrice 模型费率（积分 / 1K tokens）
type ModelPrice struct {
	InputPerKTokens  float64 `json:"input_per_k_tokens"`
	OutputPerKTokens float64 `json:"output_per_k_tokens"`
}

// Duration 支持 "300ms"/"5s" 字符串写法的时长配置
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		// 裸数字按秒处理
		*d = Duration(time.Duration(val) * time.Second)
	}
	return nil
}

// AsDuration 转换为 time.Duration
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}
