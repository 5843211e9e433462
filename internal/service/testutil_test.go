package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq int64

// newTestDB 每个测试独立的内存数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&testDBSeq, 1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.Project{},
		&model.Lot{},
		&model.Bid{},
		&model.TokenWallet{},
		&model.TokenLedgerEntry{},
		&model.PaymentTransaction{},
		&model.GatewayPaymentRecord{},
		&model.RefundRecord{},
		&model.Investment{},
		&model.Subscription{},
		&model.SubscriptionInstallment{},
		&model.OutboxMessage{},
	))
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				Notify:        "auction.notify",
				AuctionEvents: "auction.events",
				PayResult:     "auction.pay.result",
			},
		},
		Business: config.BusinessConfig{
			PaymentDeadlineHours:   48,
			CheckoutTimeoutMinutes: 30,
			MaxDefaultAttempts:     3,
			InitialTokenGrant:      5,
			MaxRetryCount:          3,
			SystemSenderID:         1,
			OperatorUserID:         2,
		},
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func createTestProject(t *testing.T, db *gorm.DB, capacity int64) *model.Project {
	t.Helper()
	project := &model.Project{
		Name:     "测试项目",
		State:    model.ProjectStateOpen,
		Capacity: capacity,
	}
	require.NoError(t, db.Create(project).Error)
	return project
}

func createTestLot(t *testing.T, db *gorm.DB, projectID int64, state string, start, end time.Time) *model.Lot {
	t.Helper()
	lot := &model.Lot{
		ProjectID:    projectID,
		Name:         "测试拍品",
		BasePrice:    100,
		AuctionState: state,
		StartTime:    start,
		EndTime:      end,
		Active:       true,
	}
	require.NoError(t, db.Create(lot).Error)
	return lot
}

func grantTestTokens(t *testing.T, db *gorm.DB, cfg *config.Config, userID, projectID, count int64) {
	t.Helper()
	require.NoError(t, NewWalletService(db, cfg).GrantTokens(context.Background(), nil, userID, projectID, count))
}

func walletBalance(t *testing.T, db *gorm.DB, userID, projectID int64) int64 {
	t.Helper()
	var wallet model.TokenWallet
	require.NoError(t, db.Where("user_id = ? AND project_id = ?", userID, projectID).First(&wallet).Error)
	return wallet.TokensAvailable
}

func reloadBid(t *testing.T, db *gorm.DB, id int64) *model.Bid {
	t.Helper()
	var bid model.Bid
	require.NoError(t, db.Where("id = ?", id).First(&bid).Error)
	return &bid
}

func reloadLot(t *testing.T, db *gorm.DB, id int64) *model.Lot {
	t.Helper()
	var lot model.Lot
	require.NoError(t, db.Where("id = ?", id).First(&lot).Error)
	return &lot
}

func reloadTx(t *testing.T, db *gorm.DB, txNo string) *model.PaymentTransaction {
	t.Helper()
	var ptx model.PaymentTransaction
	require.NoError(t, db.Where("tx_no = ?", txNo).First(&ptx).Error)
	return &ptx
}
