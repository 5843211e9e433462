package service

import (
	"context"
	"fmt"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"
	"auctionsystem/pkg/idgen"

	"gorm.io/gorm"
)

// SubscriptionService 项目订阅
// 订阅即开通参拍资格：发放初始竞拍券，并创建首期期费支付单
type SubscriptionService struct {
	db          *gorm.DB
	cfg         *config.Config
	projectRepo *repository.ProjectRepository
	subRepo     *repository.SubscriptionRepository
	paymentRepo *repository.PaymentRepository
	walletSvc   *WalletService
	notifySvc   *NotifyService
}

func NewSubscriptionService(db *gorm.DB, cfg *config.Config) *SubscriptionService {
	return &SubscriptionService{
		db:          db,
		cfg:         cfg,
		projectRepo: repository.NewProjectRepository(db),
		subRepo:     repository.NewSubscriptionRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		walletSvc:   NewWalletService(db, cfg),
		notifySvc:   NewNotifyService(db, cfg),
	}
}

// SubscribeResult 订阅结果，带首期期费的支付单号
type SubscribeResult struct {
	Subscription *model.Subscription `json:"subscription"`
	FeeTxNo      string              `json:"fee_tx_no"`
}

// Subscribe 订阅项目
//
// 【关键点】
// 1. 每用户每项目至多一条订阅，重复订阅返回已有订阅（幂等）
// 2. 初始竞拍券在订阅时立即发放；首期期费支付失败时订阅整体取消
// 3. 期费金额由外部计费模块算出后传入
func (s *SubscriptionService) Subscribe(ctx context.Context, userID, projectID, feeAmount int64) (*SubscribeResult, error) {
	if feeAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	project, err := s.projectRepo.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if project.State != model.ProjectStateOpen {
		return nil, repository.ErrProjectClosed
	}

	existing, err := s.subRepo.GetByUserAndProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State != model.SubscriptionStateActive {
			return nil, fmt.Errorf("订阅已取消，不可重新开通")
		}
		// 已订阅，幂等返回（期费支付单通过支付单列表查询）
		return &SubscribeResult{Subscription: existing}, nil
	}

	sub := &model.Subscription{
		ProjectID: projectID,
		UserID:    userID,
		State:     model.SubscriptionStateActive,
	}
	var feeTxNo string

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.subRepo.Create(ctx, tx, sub); err != nil {
			return fmt.Errorf("创建订阅失败: %w", err)
		}

		if err := s.walletSvc.GrantTokens(ctx, tx, userID, projectID, s.cfg.Business.InitialTokenGrant); err != nil {
			return err
		}

		installment := &model.SubscriptionInstallment{
			SubscriptionID: sub.ID,
			Seq:            1,
			Amount:         feeAmount,
			State:          model.InstallmentStatePending,
		}
		if err := s.subRepo.CreateInstallment(ctx, tx, installment); err != nil {
			return fmt.Errorf("创建首期期费失败: %w", err)
		}

		ptx := &model.PaymentTransaction{
			TxNo:      idgen.GenerateTxNo(),
			OwnerKind: model.OwnerKindSubscriptionFee,
			OwnerID:   installment.ID,
			UserID:    userID,
			Amount:    feeAmount,
			State:     model.PayTxStatePending,
			Deadline:  time.Now().Add(s.cfg.Business.PaymentDeadline()),
		}
		if err := s.paymentRepo.Create(ctx, tx, ptx); err != nil {
			return fmt.Errorf("创建期费支付单失败: %w", err)
		}
		feeTxNo = ptx.TxNo

		return s.notifySvc.Notify(ctx, tx, userID, "subscription_created", map[string]interface{}{
			"project_id": projectID,
			"fee_tx_no":  feeTxNo,
			"tokens":     s.cfg.Business.InitialTokenGrant,
		})
	})
	if err != nil {
		return nil, err
	}

	return &SubscribeResult{Subscription: sub, FeeTxNo: feeTxNo}, nil
}

// BillInstallment 追加下一期期费，生成对应支付单
// 由外部计费调度按账期触发
func (s *SubscriptionService) BillInstallment(ctx context.Context, subscriptionID, amount int64) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	sub, err := s.subRepo.GetByID(ctx, nil, subscriptionID)
	if err != nil {
		return "", err
	}
	if sub.State != model.SubscriptionStateActive {
		return "", fmt.Errorf("订阅已取消，不再计费")
	}

	maxSeq, err := s.subRepo.MaxInstallmentSeq(ctx, subscriptionID)
	if err != nil {
		return "", err
	}

	var txNo string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		installment := &model.SubscriptionInstallment{
			SubscriptionID: subscriptionID,
			Seq:            maxSeq + 1,
			Amount:         amount,
			State:          model.InstallmentStatePending,
		}
		if err := s.subRepo.CreateInstallment(ctx, tx, installment); err != nil {
			return fmt.Errorf("创建期费失败: %w", err)
		}

		ptx := &model.PaymentTransaction{
			TxNo:      idgen.GenerateTxNo(),
			OwnerKind: model.OwnerKindSubscriptionFee,
			OwnerID:   installment.ID,
			UserID:    sub.UserID,
			Amount:    amount,
			State:     model.PayTxStatePending,
			Deadline:  time.Now().Add(s.cfg.Business.PaymentDeadline()),
		}
		if err := s.paymentRepo.Create(ctx, tx, ptx); err != nil {
			return fmt.Errorf("创建期费支付单失败: %w", err)
		}
		txNo = ptx.TxNo

		return s.notifySvc.Notify(ctx, tx, sub.UserID, "installment_billed", map[string]interface{}{
			"subscription_id": subscriptionID,
			"seq":             installment.Seq,
			"amount":          amount,
			"tx_no":           txNo,
		})
	})
	if err != nil {
		return "", err
	}
	return txNo, nil
}
