package service

import (
	"context"
	"testing"

	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewSubscriptionService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)

	result, err := svc.Subscribe(ctx, 1, project.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStateActive, result.Subscription.State)
	assert.NotEmpty(t, result.FeeTxNo)

	// 订阅即发放初始竞拍券
	assert.Equal(t, cfg.Business.InitialTokenGrant, walletBalance(t, db, 1, project.ID))

	// 首期期费 + 对应支付单
	var installment model.SubscriptionInstallment
	require.NoError(t, db.Where("subscription_id = ?", result.Subscription.ID).First(&installment).Error)
	assert.Equal(t, 1, installment.Seq)
	assert.Equal(t, model.InstallmentStatePending, installment.State)

	ptx := reloadTx(t, db, result.FeeTxNo)
	assert.Equal(t, model.OwnerKindSubscriptionFee, ptx.OwnerKind)
	assert.Equal(t, installment.ID, ptx.OwnerID)
	assert.Equal(t, int64(1000), ptx.Amount)
	assert.Equal(t, model.PayTxStatePending, ptx.State)
}

func TestSubscribe_Idempotent(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewSubscriptionService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)

	first, err := svc.Subscribe(ctx, 1, project.ID, 1000)
	require.NoError(t, err)
	second, err := svc.Subscribe(ctx, 1, project.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)

	// 重复订阅不补发券也不重复计费
	assert.Equal(t, cfg.Business.InitialTokenGrant, walletBalance(t, db, 1, project.ID))
	var count int64
	require.NoError(t, db.Model(&model.SubscriptionInstallment{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSubscribe_Rejections(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewSubscriptionService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)

	_, err := svc.Subscribe(ctx, 1, project.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// 已取消的订阅不可重新开通
	_, err = svc.Subscribe(ctx, 2, project.ID, 1000)
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.Subscription{}).Where("user_id = ?", 2).
		Update("state", model.SubscriptionStateCancelled).Error)
	_, err = svc.Subscribe(ctx, 2, project.ID, 1000)
	assert.Error(t, err)

	// 项目关闭后不可订阅
	require.NoError(t, db.Model(&model.Project{}).Where("id = ?", project.ID).
		Update("state", model.ProjectStateClosed).Error)
	_, err = svc.Subscribe(ctx, 3, project.ID, 1000)
	assert.ErrorIs(t, err, repository.ErrProjectClosed)
}

func TestBillInstallment(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewSubscriptionService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 0)
	result, err := svc.Subscribe(ctx, 1, project.ID, 1000)
	require.NoError(t, err)
	subID := result.Subscription.ID

	txNo, err := svc.BillInstallment(ctx, subID, 1200)
	require.NoError(t, err)

	var installment model.SubscriptionInstallment
	require.NoError(t, db.Where("subscription_id = ? AND seq = ?", subID, 2).First(&installment).Error)
	assert.Equal(t, int64(1200), installment.Amount)

	ptx := reloadTx(t, db, txNo)
	assert.Equal(t, installment.ID, ptx.OwnerID)
	assert.Equal(t, model.PayTxStatePending, ptx.State)

	// 已取消的订阅停止计费
	require.NoError(t, db.Model(&model.Subscription{}).Where("id = ?", subID).
		Update("state", model.SubscriptionStateCancelled).Error)
	_, err = svc.BillInstallment(ctx, subID, 1200)
	assert.Error(t, err)

	_, err = svc.BillInstallment(ctx, subID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
