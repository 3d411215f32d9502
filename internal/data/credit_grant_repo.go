package data

import (
	"context"
	"errors"

	"wallet-service/internal/biz"
	"wallet-service/internal/data/model"
	walletErrors "wallet-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// creditGrantRepo 授予记录数据访问（只读接口，写入统一走 walletRepo 的事务）
type creditGrantRepo struct {
	data *Data
	log  *log.Helper
}

// NewCreditGrantRepo 创建授予记录数据访问实例
func NewCreditGrantRepo(data *Data, logger log.Logger) biz.CreditGrantRepo {
	return &creditGrantRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func toBizCreditGrant(m *model.CreditGrant) *biz.CreditGrant {
	grant := &biz.CreditGrant{
		ID:        m.CreditGrantID,
		UserID:    m.UserID,
		Source:    m.Source,
		Credits:   m.Credits,
		Reason:    m.Reason,
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
	if m.ExternalPaymentRef != nil {
		grant.ExternalPaymentRef = *m.ExternalPaymentRef
	}
	return grant
}

func toModelCreditGrant(g *biz.CreditGrant) *model.CreditGrant {
	m := &model.CreditGrant{
		CreditGrantID: g.ID,
		UserID:        g.UserID,
		Source:        g.Source,
		Credits:       g.Credits,
		Reason:        g.Reason,
		ExpiresAt:     g.ExpiresAt,
	}
	if g.ExternalPaymentRef != "" {
		ref := g.ExternalPaymentRef
		m.ExternalPaymentRef = &ref
	}
	return m
}

// GetGrantByExternalRef 按外部支付引用查询授予记录，未命中返回 (nil, nil)
func (r *creditGrantRepo) GetGrantByExternalRef(ctx context.Context, externalRef string) (*biz.CreditGrant, error) {
	if externalRef == "" {
		return nil, nil
	}
	var m model.CreditGrant
	err := r.data.db.WithContext(ctx).Where("external_payment_ref = ?", externalRef).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, walletErrors.ErrStorageFailure(err)
	}
	return toBizCreditGrant(&m), nil
}

// ListGrants 分页查询授予记录，按创建时间倒序
func (r *creditGrantRepo) ListGrants(ctx context.Context, userID string, page, pageSize int) ([]*biz.CreditGrant, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	query := r.data.db.WithContext(ctx).Model(&model.CreditGrant{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, walletErrors.ErrStorageFailure(err)
	}

	var records []*model.CreditGrant
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, walletErrors.ErrStorageFailure(err)
	}

	grants := make([]*biz.CreditGrant, 0, len(records))
	for _, m := range records {
		grants = append(grants, toBizCreditGrant(m))
	}
	return grants, total, nil
}

// SumGrantsBySource 按余额桶汇总授予总额（对账用）
func (r *creditGrantRepo) SumGrantsBySource(ctx context.Context, userID string) (map[string]int64, error) {
	var rows []struct {
		Source  string
		Credits int64
	}
	err := r.data.db.WithContext(ctx).Model(&model.CreditGrant{}).
		Select("source, SUM(credits) AS credits").
		Where("user_id = ?", userID).
		Group("source").
		Scan(&rows).Error
	if err != nil {
		return nil, walletErrors.ErrStorageFailure(err)
	}

	sums := make(map[string]int64)
	for _, row := range rows {
		sums[biz.BucketForSource(row.Source)] += row.Credits
	}
	return sums, nil
}
