package biz

import (
	"context"
	"time"

	"wallet-service/internal/constants"
	walletErrors "wallet-service/internal/errors"
	"wallet-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// UsageMetrics 一次模型调用的用量计量
type UsageMetrics struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TotalTokens 输入输出 token 合计
func (m *UsageMetrics) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens
}

// UsageLedgerEntry 用量流水领域对象（只追加、幂等）
// 每个消费事件恰好一条记录；status 只向前流转，不会从 completed 回退。
// Free/Subscription/Package 三列记录各桶实际承担的份额，对账按列求和；
// Source 只是承担最多的桶，用于展示。
type UsageLedgerEntry struct {
	ID                  string
	UserID              string
	SessionID           string
	MessageID           string
	Provider            string
	Model               string
	UsageMetrics        *UsageMetrics
	Credits             int64
	FreeCredits         int64
	SubscriptionCredits int64
	PackageCredits      int64
	CostEstimate        float64
	Source              string
	Status              string // pending/completed/refunded/failed
	IdempotencyKey      string
	CreatedAt           time.Time
}

// RecordUsageParams 记账入参
type RecordUsageParams struct {
	UserID         string
	SessionID      string
	MessageID      string
	Provider       string
	Model          string
	UsageMetrics   *UsageMetrics
	Credits        int64
	CostEstimate   float64
	IdempotencyKey string
}

// UsageSummary 用量汇总
type UsageSummary struct {
	UserID              string
	Period              string // today / month
	Calls               int64
	Credits             int64
	FreeCredits         int64
	SubscriptionCredits int64
	PackageCredits      int64
	CostUSD             float64
}

// UsageLedgerRepo 用量流水数据层接口（定义在 biz 层）
// 写路径走 WalletRepo.RecordUsage（需要与扣减同事务），这里只有读路径。
type UsageLedgerRepo interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*UsageLedgerEntry, error)
	ListEntries(ctx context.Context, userID string, page, pageSize int) ([]*UsageLedgerEntry, int64, error)
	SumChargedBySource(ctx context.Context, userID string) (map[string]int64, error)
	UsageSummary(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error)
}

// UsageLedgerUseCase 用量记账业务逻辑（幂等记录 + 原子扣减）
type UsageLedgerUseCase struct {
	walletRepo WalletRepo
	repo       UsageLedgerRepo
	wallet     *WalletUseCase
	publisher  EventPublisher
	log        *log.Helper
	metrics    *metrics.WalletMetrics
}

// NewUsageLedgerUseCase 创建用量记账 UseCase
func NewUsageLedgerUseCase(
	walletRepo WalletRepo,
	repo UsageLedgerRepo,
	wallet *WalletUseCase,
	publisher EventPublisher,
	logger log.Logger,
) *UsageLedgerUseCase {
	return &UsageLedgerUseCase{
		walletRepo: walletRepo,
		repo:       repo,
		wallet:     wallet,
		publisher:  publisher,
		log:        log.NewHelper(logger),
		metrics:    metrics.GetMetrics(),
	}
}

// RecordUsage 幂等记账
//  1. 幂等键命中已有流水时原样返回，不重复扣减（网络重试、崩溃恢复安全）；
//  2. 复核支付能力（此时费用已精确，系数取 1.0），不足则失败且不写流水、不占用幂等键，
//     调用方充值后可带同一个键重试；
//  3. 落流水 + 扣减 + 置 completed 在一个原子单元内：要么全部提交，要么全部不可见。
//
// 并发重试下重复插入由幂等键唯一约束兜底。
func (uc *UsageLedgerUseCase) RecordUsage(ctx context.Context, params *RecordUsageParams) (*UsageLedgerEntry, error) {
	startTime := time.Now()
	defer func() {
		if uc.metrics != nil {
			uc.metrics.RecordUsageDuration.WithLabelValues(params.Provider).Observe(time.Since(startTime).Seconds())
		}
	}()

	if err := validateRecordUsage(params); err != nil {
		if uc.metrics != nil {
			uc.metrics.RecordUsageTotal.WithLabelValues(params.Provider, constants.ResultFailed).Inc()
		}
		return nil, err
	}

	// 1. 幂等检查
	existing, err := uc.repo.GetByIdempotencyKey(ctx, params.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		uc.log.Infof("record usage replayed: user_id=%s, idempotency_key=%s, entry_id=%s",
			params.UserID, params.IdempotencyKey, existing.ID)
		if uc.metrics != nil {
			uc.metrics.RecordUsageTotal.WithLabelValues(params.Provider, constants.ResultReplayed).Inc()
		}
		return existing, nil
	}

	// 2. 支付能力复核（实际费用已知，系数 1.0）
	afford, err := uc.wallet.CanAfford(ctx, params.UserID, params.Credits, 1.0)
	if err != nil {
		return nil, err
	}
	if !afford.CanAfford {
		if uc.metrics != nil {
			uc.metrics.RecordUsageTotal.WithLabelValues(params.Provider, constants.ResultFailed).Inc()
		}
		return nil, walletErrors.ErrInsufficientCredits(afford.Required, afford.Available)
	}

	// 3. 原子单元：落流水 + 扣减 + 置 completed
	entry := &UsageLedgerEntry{
		ID:             uuid.New().String(),
		UserID:         params.UserID,
		SessionID:      params.SessionID,
		MessageID:      params.MessageID,
		Provider:       params.Provider,
		Model:          params.Model,
		UsageMetrics:   params.UsageMetrics,
		Credits:        params.Credits,
		CostEstimate:   params.CostEstimate,
		Status:         constants.UsageStatusPending,
		IdempotencyKey: params.IdempotencyKey,
	}
	result, replayed, err := uc.walletRepo.RecordUsage(ctx, entry)
	if err != nil {
		if uc.metrics != nil {
			uc.metrics.RecordUsageTotal.WithLabelValues(params.Provider, constants.ResultFailed).Inc()
		}
		return nil, err
	}
	if replayed {
		// 预检与落库之间被并发重试抢先，返回赢家的流水
		if uc.metrics != nil {
			uc.metrics.RecordUsageTotal.WithLabelValues(params.Provider, constants.ResultReplayed).Inc()
		}
		return result, nil
	}

	if uc.metrics != nil {
		uc.metrics.RecordUsageTotal.WithLabelValues(params.Provider, constants.ResultSuccess).Inc()
	}

	// 发布记账完成事件（失败只记日志，不影响主流程）
	if uc.publisher != nil {
		event := &UsageRecordedEvent{
			EntryID:      result.ID,
			UserID:       result.UserID,
			Provider:     result.Provider,
			Model:        result.Model,
			Source:       result.Source,
			Credits:      result.Credits,
			CostEstimate: result.CostEstimate,
			RecordedAt:   result.CreatedAt,
		}
		if err := uc.publisher.PublishUsageRecorded(ctx, event); err != nil {
			uc.log.Warnf("publish usage event failed: entry_id=%s, error=%v", result.ID, err)
		}
	}

	return result, nil
}

// ListEntries 获取用量流水列表
func (uc *UsageLedgerUseCase) ListEntries(ctx context.Context, userID string, page, pageSize int) ([]*UsageLedgerEntry, int64, error) {
	return uc.repo.ListEntries(ctx, userID, page, pageSize)
}

// SummaryToday 今日用量汇总
func (uc *UsageLedgerUseCase) SummaryToday(ctx context.Context, userID string) (*UsageSummary, error) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	summary, err := uc.repo.UsageSummary(ctx, userID, from, from.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	summary.Period = constants.StatsPeriodToday
	return summary, nil
}

// SummaryMonth 本月用量汇总
func (uc *UsageLedgerUseCase) SummaryMonth(ctx context.Context, userID string) (*UsageSummary, error) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	summary, err := uc.repo.UsageSummary(ctx, userID, from, from.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}
	summary.Period = constants.StatsPeriodMonth
	return summary, nil
}

func validateRecordUsage(params *RecordUsageParams) error {
	if params.UserID == "" {
		return walletErrors.ErrInvalidUsageData("user_id is required")
	}
	if params.IdempotencyKey == "" {
		return walletErrors.ErrInvalidUsageData("idempotency_key is required")
	}
	if params.Credits <= 0 {
		return walletErrors.ErrInvalidUsageData("credits must be a positive integer")
	}
	if params.UsageMetrics == nil {
		return walletErrors.ErrInvalidUsageData("usage metrics are required")
	}
	if params.UsageMetrics.InputTokens < 0 || params.UsageMetrics.OutputTokens < 0 {
		return walletErrors.ErrInvalidUsageData("token counts must not be negative")
	}
	return nil
}
