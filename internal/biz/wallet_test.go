package biz

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallet-service/internal/constants"
	walletErrors "wallet-service/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanDeduction(t *testing.T) {
	balance := &WalletBalance{
		FreeCredits:         100,
		SubscriptionCredits: 30,
		PackageCredits:      50,
		TotalCredits:        180,
	}

	t.Run("priority package then subscription then free", func(t *testing.T) {
		drawn, err := PlanDeduction(balance, 70, "")
		require.NoError(t, err)
		require.Len(t, drawn, 2)
		assert.Equal(t, constants.SourcePackage, drawn[0].Source)
		assert.Equal(t, int64(50), drawn[0].Credits)
		assert.Equal(t, constants.SourceSubscription, drawn[1].Source)
		assert.Equal(t, int64(20), drawn[1].Credits)
	})

	t.Run("spills into free bucket", func(t *testing.T) {
		drawn, err := PlanDeduction(balance, 100, "")
		require.NoError(t, err)
		require.Len(t, drawn, 3)
		assert.Equal(t, int64(50), drawn[0].Credits)
		assert.Equal(t, int64(30), drawn[1].Credits)
		assert.Equal(t, constants.SourceFree, drawn[2].Source)
		assert.Equal(t, int64(20), drawn[2].Credits)
	})

	t.Run("skips empty buckets", func(t *testing.T) {
		b := &WalletBalance{FreeCredits: 80, TotalCredits: 80}
		drawn, err := PlanDeduction(b, 50, "")
		require.NoError(t, err)
		require.Len(t, drawn, 1)
		assert.Equal(t, constants.SourceFree, drawn[0].Source)
	})

	t.Run("insufficient total", func(t *testing.T) {
		_, err := PlanDeduction(balance, 181, "")
		require.Error(t, err)
		assert.True(t, walletErrors.IsInsufficientCredits(err))
		required, available := walletErrors.InsufficientCreditsAmounts(err)
		assert.Equal(t, int64(181), required)
		assert.Equal(t, int64(180), available)
	})

	t.Run("preferred source only", func(t *testing.T) {
		drawn, err := PlanDeduction(balance, 30, constants.SourceSubscription)
		require.NoError(t, err)
		require.Len(t, drawn, 1)
		assert.Equal(t, constants.SourceSubscription, drawn[0].Source)
		assert.Equal(t, int64(30), drawn[0].Credits)
	})

	t.Run("preferred source insufficient even if total covers", func(t *testing.T) {
		_, err := PlanDeduction(balance, 31, constants.SourceSubscription)
		require.Error(t, err)
		assert.True(t, walletErrors.IsInsufficientCredits(err))
	})
}

func TestPrimarySource(t *testing.T) {
	drawn := []SourceAmount{
		{Source: constants.SourcePackage, Credits: 50},
		{Source: constants.SourceSubscription, Credits: 20},
	}
	assert.Equal(t, constants.SourcePackage, PrimarySource(drawn))

	drawn = []SourceAmount{
		{Source: constants.SourcePackage, Credits: 10},
		{Source: constants.SourceFree, Credits: 90},
	}
	assert.Equal(t, constants.SourceFree, PrimarySource(drawn))
}

func TestBucketForSource(t *testing.T) {
	assert.Equal(t, constants.SourceFree, BucketForSource(constants.SourceFree))
	assert.Equal(t, constants.SourceSubscription, BucketForSource(constants.SourceSubscription))
	assert.Equal(t, constants.SourcePackage, BucketForSource(constants.SourcePackage))
	assert.Equal(t, constants.SourcePackage, BucketForSource(constants.SourcePromo))
	assert.Equal(t, constants.SourcePackage, BucketForSource(constants.SourceRefund))
}

func TestNextFreeResetAt(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), NextFreeResetAt(now))

	// 跨年
	now = time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NextFreeResetAt(now))
}

func TestGetBalanceLazyCreate(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	balance, err := uc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.FreeCredits)
	assert.Equal(t, int64(500), balance.TotalCredits)

	// 初始授予留有记录
	sums, err := repo.ReconcileSums(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), sums.Granted[constants.SourceFree])

	// 再次读取不重复发放
	balance, err = uc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.TotalCredits)
}

func TestGrant(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	t.Run("rejects non positive credits", func(t *testing.T) {
		_, err := uc.Grant(ctx, "user-1", 0, constants.SourcePackage, constants.GrantReasonPackagePurchase, &GrantOptions{})
		require.Error(t, err)
	})

	t.Run("rejects unknown source", func(t *testing.T) {
		_, err := uc.Grant(ctx, "user-1", 100, "bonus", constants.GrantReasonPromoBonus, &GrantOptions{})
		require.Error(t, err)
	})

	t.Run("increments the mapped bucket", func(t *testing.T) {
		_, err := uc.Grant(ctx, "user-1", 1000, constants.SourcePackage, constants.GrantReasonPackagePurchase, &GrantOptions{})
		require.NoError(t, err)

		balance, err := uc.GetBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance.PackageCredits)
		assert.Equal(t, int64(1500), balance.TotalCredits) // 500 初始免费 + 1000
	})

	t.Run("promo lands in package bucket", func(t *testing.T) {
		_, err := uc.Grant(ctx, "user-1", 200, constants.SourcePromo, constants.GrantReasonPromoBonus, &GrantOptions{})
		require.NoError(t, err)

		balance, err := uc.GetBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1200), balance.PackageCredits)
	})

	t.Run("external ref replays instead of double granting", func(t *testing.T) {
		opts := &GrantOptions{ExternalRef: "pay-123"}
		first, err := uc.Grant(ctx, "user-2", 300, constants.SourcePackage, constants.GrantReasonPackagePurchase, opts)
		require.NoError(t, err)

		second, err := uc.Grant(ctx, "user-2", 300, constants.SourcePackage, constants.GrantReasonPackagePurchase, opts)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		balance, err := uc.GetBalance(ctx, "user-2")
		require.NoError(t, err)
		assert.Equal(t, int64(300), balance.PackageCredits)
	})

	t.Run("subscription grant advances period end", func(t *testing.T) {
		expiresAt := time.Now().Add(30 * 24 * time.Hour)
		_, err := uc.Grant(ctx, "user-3", 5000, constants.SourceSubscription, constants.GrantReasonSubscriptionRenewal, &GrantOptions{ExpiresAt: &expiresAt})
		require.NoError(t, err)

		balance, err := uc.GetBalance(ctx, "user-3")
		require.NoError(t, err)
		assert.Equal(t, int64(5000), balance.SubscriptionCredits)
		assert.WithinDuration(t, expiresAt, balance.SubscriptionPeriodEnd, time.Second)
	})
}

func TestDeduct(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	repo.seedBalance("user-1", 50, 30, 100)

	result, err := uc.Deduct(ctx, "user-1", 70, nil)
	require.NoError(t, err)
	assert.Equal(t, constants.SourcePackage, result.PrimarySource)
	assert.Equal(t, int64(110), result.NewTotal)

	balance, err := uc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance.PackageCredits)
	assert.Equal(t, int64(30), balance.SubscriptionCredits)
	assert.Equal(t, int64(50), balance.FreeCredits)

	t.Run("insufficient leaves balance unchanged", func(t *testing.T) {
		_, err := uc.Deduct(ctx, "user-1", 200, nil)
		require.Error(t, err)
		assert.True(t, walletErrors.IsInsufficientCredits(err))

		balance, err := uc.GetBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(110), balance.TotalCredits)
	})

	t.Run("rejects non positive credits", func(t *testing.T) {
		_, err := uc.Deduct(ctx, "user-1", -5, nil)
		require.Error(t, err)
	})
}

func TestConcurrentDeductConservation(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	repo.seedBalance("user-1", 0, 0, 50)

	// 10 个并发扣减各 10 积分，只够 5 次成功，余额不为负、不双花
	var wg sync.WaitGroup
	var succeeded int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := uc.Deduct(ctx, "user-1", 10, nil); err == nil {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), succeeded)

	balance, err := uc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
	assert.Equal(t, int64(0), balance.PackageCredits)
}

func TestCanAfford(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	repo.seedBalance("user-1", 1000, 0, 0)

	t.Run("buffer pushes required above balance", func(t *testing.T) {
		result, err := uc.CanAfford(ctx, "user-1", 900, 1.2)
		require.NoError(t, err)
		assert.Equal(t, int64(1080), result.Required)
		assert.False(t, result.CanAfford)
	})

	t.Run("allows when buffered estimate fits", func(t *testing.T) {
		result, err := uc.CanAfford(ctx, "user-1", 800, 1.2)
		require.NoError(t, err)
		assert.Equal(t, int64(960), result.Required)
		assert.True(t, result.CanAfford)
		assert.Equal(t, int64(1000), result.Breakdown[constants.SourceFree])
	})

	t.Run("required rounds up", func(t *testing.T) {
		result, err := uc.CanAfford(ctx, "user-1", 5, 1.1)
		require.NoError(t, err)
		assert.Equal(t, int64(6), result.Required) // ceil(5.5)
	})

	t.Run("zero multiplier falls back to config", func(t *testing.T) {
		result, err := uc.CanAfford(ctx, "user-1", 100, 0)
		require.NoError(t, err)
		assert.Equal(t, 1.2, result.BufferMultiplier)
		assert.Equal(t, int64(120), result.Required)
	})

	t.Run("rejects negative estimate", func(t *testing.T) {
		_, err := uc.CanAfford(ctx, "user-1", -1, 1.2)
		require.Error(t, err)
	})
}

func TestReconcile(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	// 正常走授予/扣减，余额与权威表必然一致
	_, err := uc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	_, err = uc.Grant(ctx, "user-1", 1000, constants.SourcePackage, constants.GrantReasonPackagePurchase, &GrantOptions{})
	require.NoError(t, err)
	_, err = uc.Deduct(ctx, "user-1", 300, nil)
	require.NoError(t, err)

	result, err := uc.Reconcile(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, result.IsConsistent)
	assert.Equal(t, int64(0), result.Difference)

	t.Run("detects drift after out of band change", func(t *testing.T) {
		// 绕过授予直接改余额，模拟缓存行损坏
		repo.mu.Lock()
		repo.balances["user-1"].PackageCredits += 100
		repo.balances["user-1"].TotalCredits += 100
		repo.mu.Unlock()

		result, err := uc.Reconcile(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, result.IsConsistent)
		assert.Equal(t, int64(100), result.Difference)

		var pkgBucket *BucketReconciliation
		for _, b := range result.Buckets {
			if b.Source == constants.SourcePackage {
				pkgBucket = b
			}
		}
		require.NotNil(t, pkgBucket)
		assert.False(t, pkgBucket.Consistent)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, err := uc.Reconcile(ctx, "nobody")
		require.Error(t, err)
		assert.True(t, walletErrors.IsWalletNotFound(err))
	})
}

func TestTopUpFreeCredits(t *testing.T) {
	repo := newFakeWalletRepo()
	uc := newTestWalletUseCase(repo, testWalletConfig())
	ctx := context.Background()

	t.Run("tops up below target", func(t *testing.T) {
		repo.seedBalance("user-1", 120, 0, 0)

		delta, err := uc.TopUpFreeCredits(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(380), delta)

		balance, err := uc.GetBalance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance.FreeCredits)
	})

	t.Run("no grant at or above target", func(t *testing.T) {
		repo.seedBalance("user-2", 500, 0, 0)

		delta, err := uc.TopUpFreeCredits(ctx, "user-2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), delta)

		balance, err := uc.GetBalance(ctx, "user-2")
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance.FreeCredits)
	})

	t.Run("top up keeps reconciliation exact", func(t *testing.T) {
		_, err := uc.GetBalance(ctx, "user-3")
		require.NoError(t, err)
		_, err = uc.Deduct(ctx, "user-3", 400, nil)
		require.NoError(t, err)

		_, err = uc.TopUpFreeCredits(ctx, "user-3")
		require.NoError(t, err)

		result, err := uc.Reconcile(ctx, "user-3")
		require.NoError(t, err)
		assert.True(t, result.IsConsistent)
	})
}
