package data

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"wallet-service/internal/biz"
	"wallet-service/internal/constants"
	"wallet-service/internal/data/model"
	walletErrors "wallet-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const walletCacheTTL = 10 * time.Minute

// WalletBalanceRepo 余额行的读写与 Redis 读穿缓存
type WalletBalanceRepo struct {
	data *Data
	log  *log.Helper
}

// NewWalletBalanceRepo 创建余额数据访问实例
func NewWalletBalanceRepo(data *Data, logger log.Logger) *WalletBalanceRepo {
	return &WalletBalanceRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func toBizWalletBalance(m *model.WalletBalance) *biz.WalletBalance {
	return &biz.WalletBalance{
		UserID:                m.UserID,
		FreeCredits:           m.FreeCredits,
		SubscriptionCredits:   m.SubscriptionCredits,
		PackageCredits:        m.PackageCredits,
		TotalCredits:          m.TotalCredits,
		FreeResetAt:           m.FreeResetAt,
		SubscriptionPeriodEnd: m.SubscriptionPeriodEnd,
		UpdatedAt:             m.UpdatedAt,
	}
}

// GetWalletBalance 查询余额，缓存命中直接返回，未命中回源并回填
// 钱包不存在时返回 (nil, nil)，由上层走懒创建。
func (r *WalletBalanceRepo) GetWalletBalance(ctx context.Context, userID string) (*biz.WalletBalance, error) {
	if cached := r.getCache(ctx, userID); cached != nil {
		return cached, nil
	}

	var m model.WalletBalance
	err := r.data.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, walletErrors.ErrStorageFailure(err)
	}

	balance := toBizWalletBalance(&m)
	r.setCache(ctx, balance)
	return balance, nil
}

// CreateWalletBalance 以零余额创建钱包行
// 并发首次触达时靠 user_id 唯一索引兜底，冲突方改为读已有行并返回 created=false。
func (r *WalletBalanceRepo) CreateWalletBalance(ctx context.Context, userID string, freeResetAt time.Time) (*biz.WalletBalance, bool, error) {
	m := &model.WalletBalance{
		WalletBalanceID: uuid.New().String(),
		UserID:          userID,
		FreeResetAt:     freeResetAt,
	}
	err := r.data.db.WithContext(ctx).Create(m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			balance, getErr := r.GetWalletBalance(ctx, userID)
			if getErr != nil {
				return nil, false, getErr
			}
			return balance, false, nil
		}
		return nil, false, walletErrors.ErrStorageFailure(err)
	}
	return toBizWalletBalance(m), true, nil
}

// AdvanceFreeReset 推进下次免费额度重置时间
func (r *WalletBalanceRepo) AdvanceFreeReset(ctx context.Context, userID string, resetAt time.Time) error {
	err := r.data.db.WithContext(ctx).Model(&model.WalletBalance{}).
		Where("user_id = ?", userID).
		Update("free_reset_at", resetAt).Error
	if err != nil {
		return walletErrors.ErrStorageFailure(err)
	}
	r.invalidateCache(ctx, userID)
	return nil
}

// getCache 读缓存，Redis 不可用或数据损坏都按未命中处理
func (r *WalletBalanceRepo) getCache(ctx context.Context, userID string) *biz.WalletBalance {
	if r.data.rdb == nil {
		return nil
	}
	raw, err := r.data.rdb.Get(ctx, constants.RedisKeyWallet+userID).Result()
	if err != nil {
		return nil
	}
	var balance biz.WalletBalance
	if err := json.Unmarshal([]byte(raw), &balance); err != nil {
		r.log.Warnf("wallet cache corrupted: user_id=%s, err=%v", userID, err)
		return nil
	}
	return &balance
}

// setCache 回填缓存，失败只记日志
func (r *WalletBalanceRepo) setCache(ctx context.Context, balance *biz.WalletBalance) {
	if r.data.rdb == nil {
		return
	}
	raw, err := json.Marshal(balance)
	if err != nil {
		return
	}
	if err := r.data.rdb.Set(ctx, constants.RedisKeyWallet+balance.UserID, raw, walletCacheTTL).Err(); err != nil {
		r.log.Warnf("wallet cache set failed: user_id=%s, err=%v", balance.UserID, err)
	}
}

// invalidateCache 使缓存失效，写路径提交后调用
func (r *WalletBalanceRepo) invalidateCache(ctx context.Context, userID string) {
	if r.data.rdb == nil {
		return
	}
	if err := r.data.rdb.Del(ctx, constants.RedisKeyWallet+userID).Err(); err != nil {
		r.log.Warnf("wallet cache invalidate failed: user_id=%s, err=%v", userID, err)
	}
}
