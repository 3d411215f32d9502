package biz

import (
	"context"
	"io"
	"sync"
	"time"

	"wallet-service/internal/constants"
	walletErrors "wallet-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// fakeWalletRepo 内存实现，带与数据层一致的原子语义，供 biz 层测试使用
type fakeWalletRepo struct {
	mu       sync.Mutex
	balances map[string]*WalletBalance
	grants   []*CreditGrant
	entries  map[string]*UsageLedgerEntry // 按幂等键
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{
		balances: make(map[string]*WalletBalance),
		entries:  make(map[string]*UsageLedgerEntry),
	}
}

func (f *fakeWalletRepo) GetWalletBalance(ctx context.Context, userID string) (*WalletBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (f *fakeWalletRepo) CreateWalletBalance(ctx context.Context, userID string, freeResetAt time.Time) (*WalletBalance, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[userID]; ok {
		copied := *b
		return &copied, false, nil
	}
	b := &WalletBalance{UserID: userID, FreeResetAt: freeResetAt, UpdatedAt: time.Now()}
	f.balances[userID] = b
	copied := *b
	return &copied, true, nil
}

func (f *fakeWalletRepo) ApplyGrant(ctx context.Context, grant *CreditGrant) (*CreditGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if grant.ExternalPaymentRef != "" {
		for _, g := range f.grants {
			if g.ExternalPaymentRef == grant.ExternalPaymentRef {
				return g, nil
			}
		}
	}

	b, ok := f.balances[grant.UserID]
	if !ok {
		return nil, walletErrors.ErrWalletNotFound(grant.UserID)
	}
	bucket := BucketForSource(grant.Source)
	switch bucket {
	case constants.SourceFree:
		b.FreeCredits += grant.Credits
	case constants.SourceSubscription:
		b.SubscriptionCredits += grant.Credits
		if grant.ExpiresAt != nil {
			b.SubscriptionPeriodEnd = *grant.ExpiresAt
		}
	default:
		b.PackageCredits += grant.Credits
	}
	b.TotalCredits += grant.Credits
	if grant.Reason == constants.GrantReasonFreeMonthlyReset {
		b.FreeResetAt = NextFreeResetAt(time.Now())
	}

	stored := *grant
	stored.CreatedAt = time.Now()
	f.grants = append(f.grants, &stored)
	return &stored, nil
}

func (f *fakeWalletRepo) Deduct(ctx context.Context, userID string, credits int64, preferredSource string) (*DeductResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.balances[userID]
	if !ok {
		return nil, walletErrors.ErrWalletNotFound(userID)
	}
	drawn, err := PlanDeduction(b, credits, preferredSource)
	if err != nil {
		return nil, err
	}
	f.apply(b, drawn)

	// 与数据层一致：直接扣减也落一条已完成流水
	entry := &UsageLedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Provider:  constants.ProviderInternal,
		Model:     constants.ModelAdjustment,
		Credits:   credits,
		Source:    PrimarySource(drawn),
		Status:    constants.UsageStatusCompleted,
		CreatedAt: time.Now(),
	}
	entry.IdempotencyKey = constants.ProviderInternal + ":" + entry.ID
	for _, d := range drawn {
		switch d.Source {
		case constants.SourceFree:
			entry.FreeCredits = d.Credits
		case constants.SourceSubscription:
			entry.SubscriptionCredits = d.Credits
		case constants.SourcePackage:
			entry.PackageCredits = d.Credits
		}
	}
	f.entries[entry.IdempotencyKey] = entry

	return &DeductResult{
		Drawn:         drawn,
		PrimarySource: PrimarySource(drawn),
		NewTotal:      b.TotalCredits,
	}, nil
}

func (f *fakeWalletRepo) RecordUsage(ctx context.Context, entry *UsageLedgerEntry) (*UsageLedgerEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.entries[entry.IdempotencyKey]; ok {
		return existing, true, nil
	}

	b, ok := f.balances[entry.UserID]
	if !ok {
		return nil, false, walletErrors.ErrWalletNotFound(entry.UserID)
	}
	drawn, err := PlanDeduction(b, entry.Credits, "")
	if err != nil {
		return nil, false, err
	}
	f.apply(b, drawn)

	stored := *entry
	stored.Status = constants.UsageStatusCompleted
	stored.Source = PrimarySource(drawn)
	for _, d := range drawn {
		switch d.Source {
		case constants.SourceFree:
			stored.FreeCredits = d.Credits
		case constants.SourceSubscription:
			stored.SubscriptionCredits = d.Credits
		case constants.SourcePackage:
			stored.PackageCredits = d.Credits
		}
	}
	stored.CreatedAt = time.Now()
	f.entries[entry.IdempotencyKey] = &stored
	return &stored, false, nil
}

func (f *fakeWalletRepo) apply(b *WalletBalance, drawn []SourceAmount) {
	for _, d := range drawn {
		switch d.Source {
		case constants.SourceFree:
			b.FreeCredits -= d.Credits
		case constants.SourceSubscription:
			b.SubscriptionCredits -= d.Credits
		case constants.SourcePackage:
			b.PackageCredits -= d.Credits
		}
		b.TotalCredits -= d.Credits
	}
}

func (f *fakeWalletRepo) ReconcileSums(ctx context.Context, userID string) (*ReconciliationSums, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sums := &ReconciliationSums{
		Granted: make(map[string]int64),
		Charged: make(map[string]int64),
	}
	if b, ok := f.balances[userID]; ok {
		copied := *b
		sums.Wallet = &copied
	}
	for _, g := range f.grants {
		if g.UserID == userID {
			sums.Granted[BucketForSource(g.Source)] += g.Credits
		}
	}
	for _, e := range f.entries {
		if e.UserID == userID && e.Status == constants.UsageStatusCompleted {
			sums.Charged[constants.SourceFree] += e.FreeCredits
			sums.Charged[constants.SourceSubscription] += e.SubscriptionCredits
			sums.Charged[constants.SourcePackage] += e.PackageCredits
		}
	}
	return sums, nil
}

func (f *fakeWalletRepo) GetAllUserIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.balances))
	for id := range f.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeWalletRepo) AdvanceFreeReset(ctx context.Context, userID string, resetAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[userID]; ok {
		b.FreeResetAt = resetAt
	}
	return nil
}

// fakeWalletRepo 同时充当用量流水的只读接口

func (f *fakeWalletRepo) GetByIdempotencyKey(ctx context.Context, key string) (*UsageLedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok {
		return e, nil
	}
	return nil, nil
}

func (f *fakeWalletRepo) ListEntries(ctx context.Context, userID string, page, pageSize int) ([]*UsageLedgerEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []*UsageLedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return entries, int64(len(entries)), nil
}

func (f *fakeWalletRepo) SumChargedBySource(ctx context.Context, userID string) (map[string]int64, error) {
	sums, err := f.ReconcileSums(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sums.Charged, nil
}

func (f *fakeWalletRepo) UsageSummary(ctx context.Context, userID string, from, to time.Time) (*UsageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := &UsageSummary{UserID: userID}
	for _, e := range f.entries {
		if e.UserID != userID || e.Status != constants.UsageStatusCompleted {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		summary.Calls++
		summary.Credits += e.Credits
		summary.FreeCredits += e.FreeCredits
		summary.SubscriptionCredits += e.SubscriptionCredits
		summary.PackageCredits += e.PackageCredits
		summary.CostUSD += e.CostEstimate
	}
	return summary, nil
}

func testWalletConfig() *WalletConfig {
	return &WalletConfig{
		InitialFreeCredits:        500,
		MonthlyFreeCredits:        500,
		BufferMultiplier:          1.2,
		LowBalanceThreshold:       100,
		ExpiryNoticeDays:          7,
		CreditsPerUSD:             1000.0,
		ReconcileTolerancePercent: 1.0,
		FallbackCreditsPerToken:   0.002,
		Prices: map[string]*ModelPrice{
			"openai/gpt-4o": {InputPerKTokens: 3, OutputPerKTokens: 10},
		},
	}
}

func newTestWalletUseCase(repo *fakeWalletRepo, conf *WalletConfig) *WalletUseCase {
	return NewWalletUseCase(repo, conf, log.NewStdLogger(io.Discard))
}

// seedBalance 直接写入余额行（绕过授予，用于构造特定余额布局）
func (f *fakeWalletRepo) seedBalance(userID string, free, subscription, pkg int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = &WalletBalance{
		UserID:              userID,
		FreeCredits:         free,
		SubscriptionCredits: subscription,
		PackageCredits:      pkg,
		TotalCredits:        free + subscription + pkg,
		FreeResetAt:         NextFreeResetAt(time.Now()),
	}
}
