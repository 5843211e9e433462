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

// InvestmentService 一次性投资
// 预定阶段不占项目额度，额度在支付确认时二次校验后才累加，
// 支付窗口期内项目满额/关闭的，确认会被拒绝并触发补偿退款
type InvestmentService struct {
	db          *gorm.DB
	cfg         *config.Config
	projectRepo *repository.ProjectRepository
	investRepo  *repository.InvestmentRepository
	paymentRepo *repository.PaymentRepository
	notifySvc   *NotifyService
}

func NewInvestmentService(db *gorm.DB, cfg *config.Config) *InvestmentService {
	return &InvestmentService{
		db:          db,
		cfg:         cfg,
		projectRepo: repository.NewProjectRepository(db),
		investRepo:  repository.NewInvestmentRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		notifySvc:   NewNotifyService(db, cfg),
	}
}

// ReserveResult 预定结果
type ReserveResult struct {
	Investment *model.Investment `json:"investment"`
	TxNo       string            `json:"tx_no"`
}

// Reserve 预定投资份额并创建支付单
// 预定时只做软校验（项目开放、剩余额度够），硬校验留给支付确认
func (s *InvestmentService) Reserve(ctx context.Context, userID, projectID, amount int64) (*ReserveResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	project, err := s.projectRepo.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if project.State != model.ProjectStateOpen {
		return nil, repository.ErrProjectClosed
	}
	if project.Raised+amount > project.Capacity {
		return nil, repository.ErrCapacityFull
	}

	investment := &model.Investment{
		ProjectID: projectID,
		UserID:    userID,
		Amount:    amount,
		State:     model.InvestmentStateReserved,
	}
	var txNo string

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.investRepo.Create(ctx, tx, investment); err != nil {
			return fmt.Errorf("创建投资记录失败: %w", err)
		}

		ptx := &model.PaymentTransaction{
			TxNo:      idgen.GenerateTxNo(),
			OwnerKind: model.OwnerKindInvestment,
			OwnerID:   investment.ID,
			UserID:    userID,
			Amount:    amount,
			State:     model.PayTxStatePending,
			Deadline:  time.Now().Add(s.cfg.Business.CheckoutTimeout()),
		}
		if err := s.paymentRepo.Create(ctx, tx, ptx); err != nil {
			return fmt.Errorf("创建投资支付单失败: %w", err)
		}
		txNo = ptx.TxNo

		return s.notifySvc.Notify(ctx, tx, userID, "investment_reserved", map[string]interface{}{
			"investment_id": investment.ID,
			"project_id":    projectID,
			"amount":        amount,
			"tx_no":         txNo,
		})
	})
	if err != nil {
		return nil, err
	}

	return &ReserveResult{Investment: investment, TxNo: txNo}, nil
}

func (s *InvestmentService) GetInvestment(ctx context.Context, id int64) (*model.Investment, error) {
	return s.investRepo.GetByID(ctx, nil, id)
}
