package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantTokens(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewWalletService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)

	require.NoError(t, svc.GrantTokens(ctx, nil, 1, project.ID, 5))
	assert.Equal(t, int64(5), walletBalance(t, db, 1, project.ID))

	var entry model.TokenLedgerEntry
	require.NoError(t, db.Where("user_id = ? AND type = ?", 1, model.TokenEntryTypeGrant).First(&entry).Error)
	assert.Equal(t, int64(5), entry.Delta)
	assert.Zero(t, entry.TokensBefore)
	assert.Equal(t, int64(5), entry.TokensAfter)

	assert.ErrorIs(t, svc.GrantTokens(ctx, nil, 1, project.ID, 0), ErrInvalidAmount)
	assert.ErrorIs(t, svc.GrantTokens(ctx, nil, 1, project.ID, -3), ErrInvalidAmount)
}

func TestConsumeTokenIfAbsent(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewWalletService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)
	lot := createTestLot(t, db, project.ID, model.LotStateActive,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, svc.GrantTokens(ctx, nil, 1, project.ID, 1))

	consumed, err := svc.ConsumeTokenIfAbsent(ctx, nil, 1, project.ID, lot.ID)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Zero(t, walletBalance(t, db, 1, project.ID))

	// 已有历史出价的不再扣券
	require.NoError(t, db.Create(&model.Bid{
		BidNo:    "BID-wallet-test-1",
		LotID:    lot.ID,
		UserID:   1,
		Amount:   100,
		Status:   model.BidStatusActive,
		PlacedAt: time.Now(),
	}).Error)

	consumed, err = svc.ConsumeTokenIfAbsent(ctx, nil, 1, project.ID, lot.ID)
	require.NoError(t, err)
	assert.False(t, consumed)
	assert.Zero(t, walletBalance(t, db, 1, project.ID))

	// 没有历史出价且余额为0：扣券失败
	_, err = svc.ConsumeTokenIfAbsent(ctx, nil, 1, project.ID, lot.ID+1)
	assert.ErrorIs(t, err, repository.ErrInsufficientTokens)

	// 钱包不存在等同余额不足
	_, err = svc.ConsumeTokenIfAbsent(ctx, nil, 999, project.ID, lot.ID)
	assert.ErrorIs(t, err, repository.ErrInsufficientTokens)
}

// 并发扣减只剩一张券的钱包：恰好一次成功，余额不会被扣成负数
func TestConsumeToken_ConcurrentSingleToken(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewWalletService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)
	require.NoError(t, svc.GrantTokens(ctx, nil, 1, project.ID, 1))

	// 内存库限制到单连接：并发写在连接池排队，胜负由条件更新在行上裁决
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewWalletRepository(db)

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.Consume(ctx, nil, 1, project.ID)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrInsufficientTokens)
	}
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, walletBalance(t, db, 1, project.ID))
}

// 余额永不为负：回收只在余额够的时候成功
func TestReclaimToken_NeverNegative(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewWalletService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)
	lot := createTestLot(t, db, project.ID, model.LotStateActive,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, svc.GrantTokens(ctx, nil, 1, project.ID, 1))
	require.NoError(t, svc.RefundToken(ctx, nil, 1, project.ID, lot.ID, "落选返还竞拍券"))
	assert.Equal(t, int64(2), walletBalance(t, db, 1, project.ID))

	require.NoError(t, svc.ReclaimToken(ctx, nil, 1, project.ID, lot.ID))
	require.NoError(t, svc.ReclaimToken(ctx, nil, 1, project.ID, lot.ID))
	assert.Zero(t, walletBalance(t, db, 1, project.ID))

	err := svc.ReclaimToken(ctx, nil, 1, project.ID, lot.ID)
	assert.ErrorIs(t, err, repository.ErrInsufficientTokens)
	assert.Zero(t, walletBalance(t, db, 1, project.ID))
}

// 流水的前后余额首尾相接
func TestLedgerEntriesChain(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewWalletService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)
	lot := createTestLot(t, db, project.ID, model.LotStateActive,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	require.NoError(t, svc.GrantTokens(ctx, nil, 1, project.ID, 3))
	_, err := svc.ConsumeTokenIfAbsent(ctx, nil, 1, project.ID, lot.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RefundToken(ctx, nil, 1, project.ID, lot.ID, "违约返还竞拍券"))

	var entries []model.TokenLedgerEntry
	require.NoError(t, db.Where("user_id = ?", 1).Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 3)

	for i, entry := range entries {
		assert.Equal(t, entry.TokensBefore+entry.Delta, entry.TokensAfter)
		assert.NotEmpty(t, entry.EntryNo)
		if i > 0 {
			assert.Equal(t, entries[i-1].TokensAfter, entry.TokensBefore)
		}
	}
	assert.Equal(t, int64(3), entries[len(entries)-1].TokensAfter)
	assert.Equal(t, walletBalance(t, db, 1, project.ID), entries[len(entries)-1].TokensAfter)
}
