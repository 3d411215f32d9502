package data

import (
	"context"
	"errors"
	"time"

	"wallet-service/internal/biz"
	"wallet-service/internal/constants"
	"wallet-service/internal/data/model"
	walletErrors "wallet-service/internal/errors"
	"wallet-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redsync/redsync/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	deductLockExpiry = 5 * time.Second
	// casMaxRetries CAS 更新冲突的最大重试次数
	// 同一用户的写已由分布式锁串行化，冲突只会来自锁失效窗口，重试两次足够。
	casMaxRetries = 3
)

// walletRepo 组合 repo，实现 biz.WalletRepo 接口
// 授予/扣减/记账都在这里以事务 + 条件更新落库，余额行的变更与权威表的写入同生共死。
type walletRepo struct {
	data        *Data
	log         *log.Helper
	sync        *redsync.Redsync
	metrics     *metrics.WalletMetrics
	balanceRepo *WalletBalanceRepo
	grantRepo   biz.CreditGrantRepo
	usageRepo   biz.UsageLedgerRepo
}

// NewWalletRepo 创建组合 repo
func NewWalletRepo(
	data *Data,
	sync *redsync.Redsync,
	logger log.Logger,
	balanceRepo *WalletBalanceRepo,
	grantRepo biz.CreditGrantRepo,
	usageRepo biz.UsageLedgerRepo,
) biz.WalletRepo {
	return &walletRepo{
		data:        data,
		log:         log.NewHelper(logger),
		sync:        sync,
		metrics:     metrics.GetMetrics(),
		balanceRepo: balanceRepo,
		grantRepo:   grantRepo,
		usageRepo:   usageRepo,
	}
}

// GetWalletBalance 查询余额
func (r *walletRepo) GetWalletBalance(ctx context.Context, userID string) (*biz.WalletBalance, error) {
	return r.balanceRepo.GetWalletBalance(ctx, userID)
}

// CreateWalletBalance 懒创建钱包行
func (r *walletRepo) CreateWalletBalance(ctx context.Context, userID string, freeResetAt time.Time) (*biz.WalletBalance, bool, error) {
	return r.balanceRepo.CreateWalletBalance(ctx, userID, freeResetAt)
}

// AdvanceFreeReset 推进下次免费额度重置时间
func (r *walletRepo) AdvanceFreeReset(ctx context.Context, userID string, resetAt time.Time) error {
	return r.balanceRepo.AdvanceFreeReset(ctx, userID, resetAt)
}

// ApplyGrant 原子授予：插入授予记录并递增对应余额桶
// ExternalRef 命中唯一索引时说明该支付引用已授予过，改为返回已有记录。
func (r *walletRepo) ApplyGrant(ctx context.Context, grant *biz.CreditGrant) (*biz.CreditGrant, error) {
	bucket := biz.BucketForSource(grant.Source)

	err := r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toModelCreditGrant(grant)).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			bucketColumn(bucket): gorm.Expr(bucketColumn(bucket)+" + ?", grant.Credits),
			"total_credits":      gorm.Expr("total_credits + ?", grant.Credits),
		}
		if bucket == constants.SourceSubscription && grant.ExpiresAt != nil {
			updates["subscription_period_end"] = *grant.ExpiresAt
		}
		if grant.Reason == constants.GrantReasonFreeMonthlyReset {
			updates["free_reset_at"] = biz.NextFreeResetAt(time.Now())
		}

		result := tx.Model(&model.WalletBalance{}).Where("user_id = ?", grant.UserID).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, getErr := r.grantRepo.GetGrantByExternalRef(ctx, grant.ExternalPaymentRef)
			if getErr != nil {
				return nil, getErr
			}
			if existing != nil {
				return existing, nil
			}
			return nil, walletErrors.ErrIdempotencyConflict(grant.ExternalPaymentRef)
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, walletErrors.ErrWalletNotFound(grant.UserID)
		}
		return nil, walletErrors.ErrStorageFailure(err)
	}

	r.balanceRepo.invalidateCache(ctx, grant.UserID)
	return grant, nil
}

// Deduct 原子扣减：分布式锁串行化同一用户后按方案条件更新余额行
func (r *walletRepo) Deduct(ctx context.Context, userID string, credits int64, preferredSource string) (*biz.DeductResult, error) {
	unlock, err := r.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *biz.DeductResult
	err = r.withCASRetry(ctx, userID, func(tx *gorm.DB, balance *biz.WalletBalance) (bool, error) {
		drawn, planErr := biz.PlanDeduction(balance, credits, preferredSource)
		if planErr != nil {
			return false, planErr
		}

		// 直接扣减同样落流水，对账等式（Σ授予 − Σ已完成流水 == 余额）才能对所有扣费成立
		record := deductionLedgerEntry(userID, credits, drawn)
		if err := tx.Create(record).Error; err != nil {
			return false, err
		}

		ok, applyErr := r.applyDeduction(tx, balance, drawn)
		if applyErr != nil || !ok {
			return ok, applyErr
		}

		result = &biz.DeductResult{
			Drawn:         drawn,
			PrimarySource: biz.PrimarySource(drawn),
			NewTotal:      balance.TotalCredits - credits,
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	r.balanceRepo.invalidateCache(ctx, userID)
	return result, nil
}

// RecordUsage 幂等记账：落流水 + 扣减 + 置 completed 在一个事务内
// 幂等键冲突说明并发重试已有赢家，回放赢家的流水。
func (r *walletRepo) RecordUsage(ctx context.Context, entry *biz.UsageLedgerEntry) (*biz.UsageLedgerEntry, bool, error) {
	unlock, err := r.lockUser(ctx, entry.UserID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var result *biz.UsageLedgerEntry
	err = r.withCASRetry(ctx, entry.UserID, func(tx *gorm.DB, balance *biz.WalletBalance) (bool, error) {
		drawn, planErr := biz.PlanDeduction(balance, entry.Credits, "")
		if planErr != nil {
			return false, planErr
		}

		record := toModelUsageLedgerEntry(entry)
		record.Status = constants.UsageStatusCompleted
		record.Source = biz.PrimarySource(drawn)
		for _, d := range drawn {
			switch d.Source {
			case constants.SourceFree:
				record.FreeCredits = d.Credits
			case constants.SourceSubscription:
				record.SubscriptionCredits = d.Credits
			case constants.SourcePackage:
				record.PackageCredits = d.Credits
			}
		}
		if err := tx.Create(record).Error; err != nil {
			return false, err
		}

		ok, applyErr := r.applyDeduction(tx, balance, drawn)
		if applyErr != nil || !ok {
			return ok, applyErr
		}

		result = toBizUsageLedgerEntry(record)
		result.CreatedAt = time.Now()
		return true, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, getErr := r.usageRepo.GetByIdempotencyKey(ctx, entry.IdempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, true, nil
			}
			return nil, false, walletErrors.ErrIdempotencyConflict(entry.IdempotencyKey)
		}
		return nil, false, err
	}

	r.balanceRepo.invalidateCache(ctx, entry.UserID)
	return result, false, nil
}

// ReconcileSums 快照读取对账汇总（余额行 + Σ授予 + Σ已完成流水）
// 普通读，不持有会阻塞授予/扣减的锁，活跃用户允许因时间差误报，复查收敛。
func (r *walletRepo) ReconcileSums(ctx context.Context, userID string) (*biz.ReconciliationSums, error) {
	var m model.WalletBalance
	err := r.data.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &biz.ReconciliationSums{}, nil
		}
		return nil, walletErrors.ErrStorageFailure(err)
	}

	granted, err := r.grantRepo.SumGrantsBySource(ctx, userID)
	if err != nil {
		return nil, err
	}
	charged, err := r.usageRepo.SumChargedBySource(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &biz.ReconciliationSums{
		Wallet:  toBizWalletBalance(&m),
		Granted: granted,
		Charged: charged,
	}, nil
}

// GetAllUserIDs 返回所有持有钱包行的用户（定时巡检用）
func (r *walletRepo) GetAllUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	err := r.data.db.WithContext(ctx).Model(&model.WalletBalance{}).
		Order("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, walletErrors.ErrStorageFailure(err)
	}
	return userIDs, nil
}

// lockUser 获取按用户维度的分布式扣减锁
func (r *walletRepo) lockUser(ctx context.Context, userID string) (func(), error) {
	if r.sync == nil {
		return func() {}, nil
	}

	lockStartTime := time.Now()
	mutex := r.sync.NewMutex(constants.RedisKeyDeductLock+userID, redsync.WithExpiry(deductLockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		r.log.Errorf("failed to acquire deduct lock: user_id=%s, error=%v", userID, err)
		if r.metrics != nil {
			r.metrics.LockAcquireTotal.WithLabelValues(constants.ResultFailed).Inc()
			r.metrics.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
		}
		return nil, walletErrors.ErrDeductLockFailed(userID)
	}
	if r.metrics != nil {
		r.metrics.LockAcquireTotal.WithLabelValues(constants.ResultSuccess).Inc()
		r.metrics.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
	}
	return func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			r.log.Warnf("failed to unlock deduct lock: user_id=%s, error=%v", userID, err)
		}
	}, nil
}

// withCASRetry 在事务内读取余额行并执行 fn，fn 返回 false 表示条件更新未命中，重读重试
// 余额行的所有写入都带全部桶值作为更新条件，锁失效窗口里的并发写不会双花。
func (r *walletRepo) withCASRetry(ctx context.Context, userID string, fn func(tx *gorm.DB, balance *biz.WalletBalance) (bool, error)) error {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		applied := false
		err := r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var m model.WalletBalance
			if err := tx.Where("user_id = ?", userID).First(&m).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return walletErrors.ErrWalletNotFound(userID)
				}
				return walletErrors.ErrStorageFailure(err)
			}

			ok, err := fn(tx, toBizWalletBalance(&m))
			if err != nil {
				return err
			}
			if !ok {
				// 回滚本次事务，重读余额后重试
				return errCASConflict
			}
			applied = true
			return nil
		})
		if err == nil && applied {
			return nil
		}
		if errors.Is(err, errCASConflict) {
			if r.metrics != nil {
				r.metrics.DeductRetries.Inc()
			}
			r.log.Warnf("balance update conflict, retrying: user_id=%s, attempt=%d", userID, attempt+1)
			continue
		}
		return err
	}
	return walletErrors.ErrStorageFailure(errCASConflict)
}

var errCASConflict = errors.New("wallet balance concurrently modified")

// applyDeduction 按方案条件更新余额行，所有桶的当前值都是更新条件
func (r *walletRepo) applyDeduction(tx *gorm.DB, balance *biz.WalletBalance, drawn []biz.SourceAmount) (bool, error) {
	updates := map[string]interface{}{}
	var total int64
	for _, d := range drawn {
		updates[bucketColumn(d.Source)] = gorm.Expr(bucketColumn(d.Source)+" - ?", d.Credits)
		total += d.Credits
	}
	updates["total_credits"] = gorm.Expr("total_credits - ?", total)

	result := tx.Model(&model.WalletBalance{}).
		Where("user_id = ? AND free_credits = ? AND subscription_credits = ? AND package_credits = ?",
			balance.UserID, balance.FreeCredits, balance.SubscriptionCredits, balance.PackageCredits).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// deductionLedgerEntry 为直接扣减构造一条已完成流水
func deductionLedgerEntry(userID string, credits int64, drawn []biz.SourceAmount) *model.UsageLedgerEntry {
	record := &model.UsageLedgerEntry{
		UsageLedgerEntryID: uuid.New().String(),
		UserID:             userID,
		Provider:           constants.ProviderInternal,
		Model:              constants.ModelAdjustment,
		Credits:            credits,
		Source:             biz.PrimarySource(drawn),
		Status:             constants.UsageStatusCompleted,
	}
	record.IdempotencyKey = constants.ProviderInternal + ":" + record.UsageLedgerEntryID
	for _, d := range drawn {
		switch d.Source {
		case constants.SourceFree:
			record.FreeCredits = d.Credits
		case constants.SourceSubscription:
			record.SubscriptionCredits = d.Credits
		case constants.SourcePackage:
			record.PackageCredits = d.Credits
		}
	}
	return record
}

func bucketColumn(bucket string) string {
	switch bucket {
	case constants.SourceFree:
		return "free_credits"
	case constants.SourceSubscription:
		return "subscription_credits"
	default:
		return "package_credits"
	}
}
