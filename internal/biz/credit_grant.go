package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// CreditGrant 积分授予领域对象（只追加，创建后不可变更或删除）
// 授予日志与用量流水共同构成钱包余额的事实来源。
type CreditGrant struct {
	ID                 string
	UserID             string
	Source             string // free/subscription/package/promo/refund
	Credits            int64
	Reason             string
	ExpiresAt          *time.Time
	ExternalPaymentRef string // 外部支付侧引用，幂等去重用
	CreatedAt          time.Time
}

// NewCreditGrant 构造一条授予记录
func NewCreditGrant(userID string, credits int64, source, reason string, opts *GrantOptions) *CreditGrant {
	grant := &CreditGrant{
		ID:      uuid.New().String(),
		UserID:  userID,
		Source:  source,
		Credits: credits,
		Reason:  reason,
	}
	if opts != nil {
		grant.ExpiresAt = opts.ExpiresAt
		grant.ExternalPaymentRef = opts.ExternalRef
	}
	return grant
}

// CreditGrantRepo 授予记录数据层接口（定义在 biz 层）
// 写路径走 WalletRepo.ApplyGrant（需要与余额同事务），这里只有读路径。
type CreditGrantRepo interface {
	GetGrantByExternalRef(ctx context.Context, externalRef string) (*CreditGrant, error)
	ListGrants(ctx context.Context, userID string, page, pageSize int) ([]*CreditGrant, int64, error)
	SumGrantsBySource(ctx context.Context, userID string) (map[string]int64, error)
}

// CreditGrantUseCase 授予记录业务逻辑
type CreditGrantUseCase struct {
	repo CreditGrantRepo
	log  *log.Helper
}

// NewCreditGrantUseCase 创建授予记录 UseCase
func NewCreditGrantUseCase(repo CreditGrantRepo, logger log.Logger) *CreditGrantUseCase {
	return &CreditGrantUseCase{
		repo: repo,
		log:  log.NewHelper(logger),
	}
}

// ListGrants 获取授予历史
func (uc *CreditGrantUseCase) ListGrants(ctx context.Context, userID string, page, pageSize int) ([]*CreditGrant, int64, error) {
	return uc.repo.ListGrants(ctx, userID, page, pageSize)
}

// GetByExternalRef 通过外部支付引用查询授予记录
func (uc *CreditGrantUseCase) GetByExternalRef(ctx context.Context, externalRef string) (*CreditGrant, error) {
	return uc.repo.GetGrantByExternalRef(ctx, externalRef)
}
