package data

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"wallet-service/internal/biz"
	"wallet-service/internal/constants"
	"wallet-service/internal/data/model"
	walletErrors "wallet-service/internal/errors"

	"github.com/glebarez/sqlite"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestRepos 每个测试一个独立的内存库
func newTestRepos(t *testing.T) (biz.WalletRepo, biz.CreditGrantRepo, biz.UsageLedgerRepo, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.WalletBalance{},
		&model.CreditGrant{},
		&model.UsageLedgerEntry{},
	))

	logger := log.NewStdLogger(io.Discard)
	data := &Data{db: db}
	balanceRepo := NewWalletBalanceRepo(data, logger)
	grantRepo := NewCreditGrantRepo(data, logger)
	usageRepo := NewUsageLedgerRepo(data, logger)
	walletRepo := NewWalletRepo(data, nil, logger, balanceRepo, grantRepo, usageRepo)
	return walletRepo, grantRepo, usageRepo, db
}

func mustCreateWallet(t *testing.T, repo biz.WalletRepo, userID string) {
	t.Helper()
	_, created, err := repo.CreateWalletBalance(context.Background(), userID, biz.NextFreeResetAt(time.Now()))
	require.NoError(t, err)
	require.True(t, created)
}

func mustGrant(t *testing.T, repo biz.WalletRepo, userID, source string, credits int64) {
	t.Helper()
	_, err := repo.ApplyGrant(context.Background(), biz.NewCreditGrant(userID, credits, source, constants.GrantReasonPackagePurchase, nil))
	require.NoError(t, err)
}

func TestCreateWalletBalance(t *testing.T) {
	repo, _, _, _ := newTestRepos(t)
	ctx := context.Background()

	balance, created, err := repo.CreateWalletBalance(ctx, "user-1", biz.NextFreeResetAt(time.Now()))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(0), balance.TotalCredits)

	// 重复创建返回已有行
	balance, created, err = repo.CreateWalletBalance(ctx, "user-1", biz.NextFreeResetAt(time.Now()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "user-1", balance.UserID)
}

func TestApplyGrant(t *testing.T) {
	repo, grantRepo, _, _ := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")

	t.Run("increments mapped bucket", func(t *testing.T) {
		mustGrant(t, repo, "user-1", constants.SourceFree, 500)
		mustGrant(t, repo, "user-1", constants.SourcePackage, 1000)
		mustGrant(t, repo, "user-1", constants.SourcePromo, 200) // promo 计入 package 桶

		balance, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance.FreeCredits)
		assert.Equal(t, int64(1200), balance.PackageCredits)
		assert.Equal(t, int64(1700), balance.TotalCredits)
	})

	t.Run("subscription grant advances period end", func(t *testing.T) {
		expiresAt := time.Now().Add(30 * 24 * time.Hour).UTC()
		grant := biz.NewCreditGrant("user-1", 5000, constants.SourceSubscription,
			constants.GrantReasonSubscriptionRenewal, &biz.GrantOptions{ExpiresAt: &expiresAt})
		_, err := repo.ApplyGrant(ctx, grant)
		require.NoError(t, err)

		balance, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), balance.SubscriptionCredits)
		assert.WithinDuration(t, expiresAt, balance.SubscriptionPeriodEnd, time.Second)
	})

	t.Run("external ref dedupes", func(t *testing.T) {
		opts := &biz.GrantOptions{ExternalRef: "pay-1"}
		first := biz.NewCreditGrant("user-1", 300, constants.SourcePackage, constants.GrantReasonPackagePurchase, opts)
		applied, err := repo.ApplyGrant(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, first.ID, applied.ID)

		before, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)

		replay := biz.NewCreditGrant("user-1", 300, constants.SourcePackage, constants.GrantReasonPackagePurchase, opts)
		applied, err = repo.ApplyGrant(ctx, replay)
		require.NoError(t, err)
		assert.Equal(t, first.ID, applied.ID)

		after, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, before.TotalCredits, after.TotalCredits)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, err := repo.ApplyGrant(ctx, biz.NewCreditGrant("nobody", 100, constants.SourceFree, constants.GrantReasonInitialFree, nil))
		require.Error(t, err)
		assert.True(t, walletErrors.IsWalletNotFound(err))
	})

	t.Run("list and sum", func(t *testing.T) {
		grants, total, err := grantRepo.ListGrants(ctx, "user-1", 1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, grants, 5)

		sums, err := grantRepo.SumGrantsBySource(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), sums[constants.SourceFree])
		assert.Equal(t, int64(5000), sums[constants.SourceSubscription])
		assert.Equal(t, int64(1500), sums[constants.SourcePackage]) // package + promo + 去重后的 pay-1
	})
}

func TestDeductPriority(t *testing.T) {
	repo, _, _, _ := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")
	mustGrant(t, repo, "user-1", constants.SourceFree, 50)
	mustGrant(t, repo, "user-1", constants.SourceSubscription, 30)
	mustGrant(t, repo, "user-1", constants.SourcePackage, 100)

	result, err := repo.Deduct(ctx, "user-1", 70, "")
	require.NoError(t, err)
	assert.Equal(t, constants.SourcePackage, result.PrimarySource)
	assert.Equal(t, int64(110), result.NewTotal)

	balance, err := repo.GetWalletBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.FreeCredits)
	assert.Equal(t, int64(30), balance.SubscriptionCredits)
	assert.Equal(t, int64(30), balance.PackageCredits)

	t.Run("spills across buckets in order", func(t *testing.T) {
		result, err := repo.Deduct(ctx, "user-1", 70, "")
		require.NoError(t, err)
		assert.Equal(t, int64(40), result.NewTotal)

		balance, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance.PackageCredits)
		assert.Equal(t, int64(0), balance.SubscriptionCredits)
		assert.Equal(t, int64(40), balance.FreeCredits)
	})

	t.Run("preferred source", func(t *testing.T) {
		result, err := repo.Deduct(ctx, "user-1", 10, constants.SourceFree)
		require.NoError(t, err)
		assert.Equal(t, constants.SourceFree, result.PrimarySource)
	})
}

func TestDeductInsufficient(t *testing.T) {
	repo, _, _, _ := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")
	mustGrant(t, repo, "user-1", constants.SourceFree, 100)

	_, err := repo.Deduct(ctx, "user-1", 150, "")
	require.Error(t, err)
	assert.True(t, walletErrors.IsInsufficientCredits(err))

	// 余额无任何变更
	balance, err := repo.GetWalletBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.TotalCredits)
	assert.Equal(t, int64(100), balance.FreeCredits)
}

func TestDeductWritesLedgerEntry(t *testing.T) {
	repo, _, usageRepo, _ := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")
	mustGrant(t, repo, "user-1", constants.SourcePackage, 100)

	_, err := repo.Deduct(ctx, "user-1", 40, "")
	require.NoError(t, err)

	entries, total, err := usageRepo.ListEntries(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, constants.ProviderInternal, entries[0].Provider)
	assert.Equal(t, constants.UsageStatusCompleted, entries[0].Status)
	assert.Equal(t, int64(40), entries[0].PackageCredits)
}

func recordParams(userID, key string, credits int64) *biz.UsageLedgerEntry {
	return &biz.UsageLedgerEntry{
		ID:             uuid.New().String(),
		UserID:         userID,
		SessionID:      "sess-1",
		Provider:       "openai",
		Model:          "gpt-4o",
		UsageMetrics:   &biz.UsageMetrics{InputTokens: 1200, OutputTokens: 400},
		Credits:        credits,
		CostEstimate:   float64(credits) / 1000.0,
		Status:         constants.UsageStatusPending,
		IdempotencyKey: key,
	}
}

func TestRecordUsageAtomicity(t *testing.T) {
	repo, _, usageRepo, _ := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")
	mustGrant(t, repo, "user-1", constants.SourceFree, 50)
	mustGrant(t, repo, "user-1", constants.SourceSubscription, 30)
	mustGrant(t, repo, "user-1", constants.SourcePackage, 100)

	entry, replayed, err := repo.RecordUsage(ctx, recordParams("user-1", "key-1", 120))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, constants.UsageStatusCompleted, entry.Status)
	assert.Equal(t, int64(100), entry.PackageCredits)
	assert.Equal(t, int64(20), entry.SubscriptionCredits)
	assert.Equal(t, int64(0), entry.FreeCredits)
	assert.Equal(t, constants.SourcePackage, entry.Source)

	balance, err := repo.GetWalletBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance.TotalCredits)

	t.Run("replay returns winner without double charge", func(t *testing.T) {
		replayEntry, replayed, err := repo.RecordUsage(ctx, recordParams("user-1", "key-1", 120))
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, entry.ID, replayEntry.ID)

		balance, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(60), balance.TotalCredits)

		_, total, err := usageRepo.ListEntries(ctx, "user-1", 1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("insufficient writes nothing", func(t *testing.T) {
		_, _, err := repo.RecordUsage(ctx, recordParams("user-1", "key-2", 500))
		require.Error(t, err)
		assert.True(t, walletErrors.IsInsufficientCredits(err))

		existing, err := usageRepo.GetByIdempotencyKey(ctx, "key-2")
		require.NoError(t, err)
		assert.Nil(t, existing)

		balance, err := repo.GetWalletBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(60), balance.TotalCredits)
	})
}

func TestReconcileSums(t *testing.T) {
	repo, _, _, db := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")
	mustGrant(t, repo, "user-1", constants.SourceFree, 500)
	mustGrant(t, repo, "user-1", constants.SourcePackage, 1000)

	_, _, err := repo.RecordUsage(ctx, recordParams("user-1", "key-1", 300))
	require.NoError(t, err)

	sums, err := repo.ReconcileSums(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, sums.Wallet)
	assert.Equal(t, int64(500), sums.Granted[constants.SourceFree])
	assert.Equal(t, int64(1000), sums.Granted[constants.SourcePackage])
	assert.Equal(t, int64(300), sums.Charged[constants.SourcePackage])
	assert.Equal(t, int64(0), sums.Charged[constants.SourceFree])
	assert.Equal(t, int64(1200), sums.Wallet.TotalCredits)

	t.Run("detects out of band ledger row", func(t *testing.T) {
		// 绕过扣减直接插入一条已完成流水，余额行未同步
		rogue := &model.UsageLedgerEntry{
			UsageLedgerEntryID: uuid.New().String(),
			UserID:             "user-1",
			Provider:           "openai",
			Model:              "gpt-4o",
			Credits:            100,
			PackageCredits:     100,
			Source:             constants.SourcePackage,
			Status:             constants.UsageStatusCompleted,
			IdempotencyKey:     "rogue-1",
		}
		require.NoError(t, db.Create(rogue).Error)

		sums, err := repo.ReconcileSums(ctx, "user-1")
		require.NoError(t, err)
		calculated := sums.Granted[constants.SourcePackage] - sums.Charged[constants.SourcePackage]
		assert.NotEqual(t, sums.Wallet.PackageCredits, calculated)
	})

	t.Run("missing wallet returns empty sums", func(t *testing.T) {
		sums, err := repo.ReconcileSums(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, sums.Wallet)
	})
}

func TestGetAllUserIDs(t *testing.T) {
	repo, _, _, _ := newTestRepos(t)

	mustCreateWallet(t, repo, "user-b")
	mustCreateWallet(t, repo, "user-a")

	ids, err := repo.GetAllUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a", "user-b"}, ids)
}

func TestUsageSummaryAggregates(t *testing.T) {
	repo, _, usageRepo, _ := newTestRepos(t)
	ctx := context.Background()

	mustCreateWallet(t, repo, "user-1")
	mustGrant(t, repo, "user-1", constants.SourcePackage, 1000)

	_, _, err := repo.RecordUsage(ctx, recordParams("user-1", "key-1", 100))
	require.NoError(t, err)
	_, _, err = repo.RecordUsage(ctx, recordParams("user-1", "key-2", 50))
	require.NoError(t, err)

	now := time.Now()
	summary, err := usageRepo.UsageSummary(ctx, "user-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Calls)
	assert.Equal(t, int64(150), summary.Credits)
	assert.Equal(t, int64(150), summary.PackageCredits)
	assert.InDelta(t, 0.15, summary.CostUSD, 1e-9)

	// 时间窗外为空
	summary, err = usageRepo.UsageSummary(ctx, "user-1", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Calls)
}
