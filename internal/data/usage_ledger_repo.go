package data

import (
	"context"
	"errors"
	"time"

	"wallet-service/internal/biz"
	"wallet-service/internal/constants"
	"wallet-service/internal/data/model"
	walletErrors "wallet-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// usageLedgerRepo 用量流水数据访问（只读接口，写入统一走 walletRepo 的事务）
type usageLedgerRepo struct {
	data *Data
	log  *log.Helper
}

// NewUsageLedgerRepo 创建用量流水数据访问实例
func NewUsageLedgerRepo(data *Data, logger log.Logger) biz.UsageLedgerRepo {
	return &usageLedgerRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func toBizUsageLedgerEntry(m *model.UsageLedgerEntry) *biz.UsageLedgerEntry {
	return &biz.UsageLedgerEntry{
		ID:        m.UsageLedgerEntryID,
		UserID:    m.UserID,
		SessionID: m.SessionID,
		MessageID: m.MessageID,
		Provider:  m.Provider,
		Model:     m.Model,
		UsageMetrics: &biz.UsageMetrics{
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
		},
		Credits:             m.Credits,
		FreeCredits:         m.FreeCredits,
		SubscriptionCredits: m.SubscriptionCredits,
		PackageCredits:      m.PackageCredits,
		CostEstimate:        m.CostEstimate,
		Source:              m.Source,
		Status:              m.Status,
		IdempotencyKey:      m.IdempotencyKey,
		CreatedAt:           m.CreatedAt,
	}
}

func toModelUsageLedgerEntry(e *biz.UsageLedgerEntry) *model.UsageLedgerEntry {
	m := &model.UsageLedgerEntry{
		UsageLedgerEntryID:  e.ID,
		UserID:              e.UserID,
		SessionID:           e.SessionID,
		MessageID:           e.MessageID,
		Provider:            e.Provider,
		Model:               e.Model,
		Credits:             e.Credits,
		FreeCredits:         e.FreeCredits,
		SubscriptionCredits: e.SubscriptionCredits,
		PackageCredits:      e.PackageCredits,
		CostEstimate:        e.CostEstimate,
		Source:              e.Source,
		Status:              e.Status,
		IdempotencyKey:      e.IdempotencyKey,
	}
	if e.UsageMetrics != nil {
		m.InputTokens = e.UsageMetrics.InputTokens
		m.OutputTokens = e.UsageMetrics.OutputTokens
	}
	return m
}

// GetByIdempotencyKey 按幂等键查询流水，未命中返回 (nil, nil)
func (r *usageLedgerRepo) GetByIdempotencyKey(ctx context.Context, key string) (*biz.UsageLedgerEntry, error) {
	var m model.UsageLedgerEntry
	err := r.data.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, walletErrors.ErrStorageFailure(err)
	}
	return toBizUsageLedgerEntry(&m), nil
}

// ListEntries 分页查询用量流水，按创建时间倒序
func (r *usageLedgerRepo) ListEntries(ctx context.Context, userID string, page, pageSize int) ([]*biz.UsageLedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	query := r.data.db.WithContext(ctx).Model(&model.UsageLedgerEntry{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, walletErrors.ErrStorageFailure(err)
	}

	var records []*model.UsageLedgerEntry
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, walletErrors.ErrStorageFailure(err)
	}

	entries := make([]*biz.UsageLedgerEntry, 0, len(records))
	for _, m := range records {
		entries = append(entries, toBizUsageLedgerEntry(m))
	}
	return entries, total, nil
}

// SumChargedBySource 按余额桶汇总已完成流水的扣减总额（对账用）
// 按三个份额列分别求和，混合扣减的流水各桶只计自己承担的份额。
func (r *usageLedgerRepo) SumChargedBySource(ctx context.Context, userID string) (map[string]int64, error) {
	var row struct {
		FreeCredits         int64
		SubscriptionCredits int64
		PackageCredits      int64
	}
	err := r.data.db.WithContext(ctx).Model(&model.UsageLedgerEntry{}).
		Select("COALESCE(SUM(free_credits),0) AS free_credits, "+
			"COALESCE(SUM(subscription_credits),0) AS subscription_credits, "+
			"COALESCE(SUM(package_credits),0) AS package_credits").
		Where("user_id = ? AND status = ?", userID, constants.UsageStatusCompleted).
		Scan(&row).Error
	if err != nil {
		return nil, walletErrors.ErrStorageFailure(err)
	}

	return map[string]int64{
		constants.SourceFree:         row.FreeCredits,
		constants.SourceSubscription: row.SubscriptionCredits,
		constants.SourcePackage:      row.PackageCredits,
	}, nil
}

// UsageSummary 统计给定时间段内的用量汇总
func (r *usageLedgerRepo) UsageSummary(ctx context.Context, userID string, from, to time.Time) (*biz.UsageSummary, error) {
	var row struct {
		Calls               int64
		Credits             int64
		FreeCredits         int64
		SubscriptionCredits int64
		PackageCredits      int64
		CostUSD             float64
	}
	err := r.data.db.WithContext(ctx).Model(&model.UsageLedgerEntry{}).
		Select("COUNT(*) AS calls, "+
			"COALESCE(SUM(credits),0) AS credits, "+
			"COALESCE(SUM(free_credits),0) AS free_credits, "+
			"COALESCE(SUM(subscription_credits),0) AS subscription_credits, "+
			"COALESCE(SUM(package_credits),0) AS package_credits, "+
			"COALESCE(SUM(cost_estimate),0) AS cost_usd").
		Where("user_id = ? AND status = ? AND created_at >= ? AND created_at < ?",
			userID, constants.UsageStatusCompleted, from, to).
		Scan(&row).Error
	if err != nil {
		return nil, walletErrors.ErrStorageFailure(err)
	}

	return &biz.UsageSummary{
		UserID:              userID,
		Calls:               row.Calls,
		Credits:             row.Credits,
		FreeCredits:         row.FreeCredits,
		SubscriptionCredits: row.SubscriptionCredits,
		PackageCredits:      row.PackageCredits,
		CostUSD:             row.CostUSD,
	}, nil
}
