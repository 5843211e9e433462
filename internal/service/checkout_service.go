package service

import (
	"context"
	"fmt"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/gateway"
	"auctionsystem/internal/infrastructure/lock"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// CheckoutService 结账：为待支付的支付单在网关侧开收银台
type CheckoutService struct {
	db            *gorm.DB
	redisClient   *redis.Client
	cfg           *config.Config
	gatewayClient *gateway.Client
	paymentRepo   *repository.PaymentRepository
}

func NewCheckoutService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, gatewayClient *gateway.Client) *CheckoutService {
	return &CheckoutService{
		db:            db,
		redisClient:   redisClient,
		cfg:           cfg,
		gatewayClient: gatewayClient,
		paymentRepo:   repository.NewPaymentRepository(db),
	}
}

// CheckoutResult 结账结果，前端拿跳转地址引导用户付款
type CheckoutResult struct {
	TxNo        string    `json:"tx_no"`
	ExternalID  string    `json:"external_id"`
	RedirectURL string    `json:"redirect_url"`
	Amount      int64     `json:"amount"`
	Deadline    time.Time `json:"deadline"`
}

// InitiateCheckout 发起结账
//
// 【关键点】
// 1. 只有支付单归属人能发起结账
// 2. 只对 PENDING 且未过截止时间的支付单受理
// 3. 按支付单维度加锁防并发重复开台；重复发起会在网关侧复用
//    external_reference 对应的收银台，我方只刷新网关引用
func (s *CheckoutService) InitiateCheckout(ctx context.Context, userID int64, txNo string) (*CheckoutResult, error) {
	ptx, err := s.paymentRepo.GetByTxNo(ctx, txNo)
	if err != nil {
		return nil, err
	}
	if ptx.UserID != userID {
		return nil, ErrNotOwner
	}
	if ptx.State != model.PayTxStatePending {
		return nil, repository.ErrTxStateInvalid
	}
	if time.Now().After(ptx.Deadline) {
		return nil, fmt.Errorf("%w: 已过支付截止时间", repository.ErrTxStateInvalid)
	}

	checkoutLock := lock.NewCheckoutLock(s.redisClient, txNo)
	if err := checkoutLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer checkoutLock.Unlock(ctx)

	resp, err := s.gatewayClient.CreateCheckout(ctx, &gateway.CheckoutRequest{
		TxNo:        ptx.TxNo,
		Amount:      ptx.Amount,
		Description: fmt.Sprintf("%s-%d", ptx.OwnerKind, ptx.OwnerID),
		UserID:      ptx.UserID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.paymentRepo.SetGatewayReference(ctx, nil, ptx.TxNo, resp.ExternalID); err != nil {
		return nil, err
	}

	return &CheckoutResult{
		TxNo:        ptx.TxNo,
		ExternalID:  resp.ExternalID,
		RedirectURL: resp.RedirectURL,
		Amount:      ptx.Amount,
		Deadline:    ptx.Deadline,
	}, nil
}

// ListUserPayments 用户的支付单列表
func (s *CheckoutService) ListUserPayments(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentTransaction, int64, error) {
	return s.paymentRepo.ListByUser(ctx, userID, page, pageSize)
}
