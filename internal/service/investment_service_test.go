package service

import (
	"context"
	"testing"
	"time"

	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewInvestmentService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)

	result, err := svc.Reserve(ctx, 1, project.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, model.InvestmentStateReserved, result.Investment.State)
	require.NotEmpty(t, result.TxNo)

	ptx := reloadTx(t, db, result.TxNo)
	assert.Equal(t, model.OwnerKindInvestment, ptx.OwnerKind)
	assert.Equal(t, result.Investment.ID, ptx.OwnerID)
	assert.Equal(t, int64(300), ptx.Amount)
	assert.Equal(t, model.PayTxStatePending, ptx.State)
	assert.True(t, ptx.Deadline.After(time.Now()))

	// 预定不占额度，额度在支付确认时才累加
	var p model.Project
	require.NoError(t, db.Where("id = ?", project.ID).First(&p).Error)
	assert.Zero(t, p.Raised)
}

func TestReserve_Rejections(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	svc := NewInvestmentService(db, cfg)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)

	_, err := svc.Reserve(ctx, 1, project.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// 软校验：已募集额+本次超出容量的直接拒绝
	require.NoError(t, db.Model(&model.Project{}).Where("id = ?", project.ID).
		Update("raised", 900).Error)
	_, err = svc.Reserve(ctx, 1, project.ID, 200)
	assert.ErrorIs(t, err, repository.ErrCapacityFull)

	// 刚好填满容量的可以预定
	_, err = svc.Reserve(ctx, 1, project.ID, 100)
	require.NoError(t, err)

	require.NoError(t, db.Model(&model.Project{}).Where("id = ?", project.ID).
		Update("state", model.ProjectStateClosed).Error)
	_, err = svc.Reserve(ctx, 2, project.ID, 50)
	assert.ErrorIs(t, err, repository.ErrProjectClosed)
}
