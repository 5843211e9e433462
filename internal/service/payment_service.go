package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 支付单状态机
// ============================================================================
//
// 所有可支付单元共用一个状态机，确认后的业务效果按 OwnerKind 分发：
//
//   BID_SETTLEMENT   -> 结算中标出价（落选方标记 LOST 并返券）
//   INVESTMENT       -> 投资生效（二次校验项目额度，满额则业务冲突）
//   SUBSCRIPTION_FEE -> 期费入账（首期失败取消整个订阅）
//
// 【关键点】
// 1. Confirm 幂等：已 PAID 的支付单重复确认是 no-op，业务效果只应用一次
// 2. FAILED/EXPIRED/REVERTED 对确认而言是终态，迟到的确认走补偿退款
// 3. Confirm/Fail/Revert 必须在调用方的事务里执行，且调用方已持有支付单行锁
// ============================================================================

// ownerEffect 某类可支付单元的业务效果处理器
type ownerEffect struct {
	confirm func(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error
	fail    func(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction, reason string) error
	revert  func(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error
}

type PaymentService struct {
	db          *gorm.DB
	cfg         *config.Config
	paymentRepo *repository.PaymentRepository
	bidRepo     *repository.BidRepository
	lotRepo     *repository.LotRepository
	projectRepo *repository.ProjectRepository
	investRepo  *repository.InvestmentRepository
	subRepo     *repository.SubscriptionRepository
	walletSvc   *WalletService
	notifySvc   *NotifyService
	effects     map[string]ownerEffect
	batchSize   int
}

func NewPaymentService(db *gorm.DB, cfg *config.Config) *PaymentService {
	s := &PaymentService{
		db:          db,
		cfg:         cfg,
		paymentRepo: repository.NewPaymentRepository(db),
		bidRepo:     repository.NewBidRepository(db),
		lotRepo:     repository.NewLotRepository(db),
		projectRepo: repository.NewProjectRepository(db),
		investRepo:  repository.NewInvestmentRepository(db),
		subRepo:     repository.NewSubscriptionRepository(db),
		walletSvc:   NewWalletService(db, cfg),
		notifySvc:   NewNotifyService(db, cfg),
		batchSize:   100,
	}

	s.effects = map[string]ownerEffect{
		model.OwnerKindBidSettlement: {
			confirm: s.confirmBidSettlement,
			fail:    s.failBidSettlement,
			revert:  s.revertBidSettlement,
		},
		model.OwnerKindInvestment: {
			confirm: s.confirmInvestment,
			fail:    s.failInvestment,
			revert:  s.revertInvestment,
		},
		model.OwnerKindSubscriptionFee: {
			confirm: s.confirmSubscriptionFee,
			fail:    s.failSubscriptionFee,
			revert:  s.revertSubscriptionFee,
		},
	}
	return s
}

func (s *PaymentService) effectFor(ownerKind string) (ownerEffect, error) {
	effect, ok := s.effects[ownerKind]
	if !ok {
		return ownerEffect{}, fmt.Errorf("未知的可支付单元类型: %s", ownerKind)
	}
	return effect, nil
}

// Confirm 确认支付成功
// 先应用业务效果再推进状态；业务效果返回 ErrBusinessRuleConflict 时整个事务回滚
func (s *PaymentService) Confirm(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	if ptx.State == model.PayTxStatePaid {
		// 幂等：重复确认不二次应用业务效果
		return nil
	}
	if ptx.State != model.PayTxStatePending {
		return repository.ErrTxStateInvalid
	}

	effect, err := s.effectFor(ptx.OwnerKind)
	if err != nil {
		return err
	}
	if err := effect.confirm(ctx, tx, ptx); err != nil {
		return err
	}

	return s.paymentRepo.UpdateState(ctx, tx, ptx.TxNo, model.PayTxStatePending, model.PayTxStatePaid)
}

// Fail 标记支付失败
// 已处于终态时是 no-op
func (s *PaymentService) Fail(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction, reason string) error {
	if ptx.State != model.PayTxStatePending {
		return nil
	}

	effect, err := s.effectFor(ptx.OwnerKind)
	if err != nil {
		return err
	}
	if err := effect.fail(ctx, tx, ptx, reason); err != nil {
		return err
	}

	if err := s.paymentRepo.UpdateState(ctx, tx, ptx.TxNo, model.PayTxStatePending, model.PayTxStateFailed); err != nil {
		return err
	}
	return s.paymentRepo.SetErrorDetail(ctx, tx, ptx.TxNo, reason)
}

// Revert 补偿冲正，只允许从 PAID 出发
// 应用逆向业务效果后置为 REVERTED；REVERTED 永远不会再回到 PAID
func (s *PaymentService) Revert(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction, reason string) error {
	if ptx.State == model.PayTxStateReverted {
		return nil
	}
	if ptx.State != model.PayTxStatePaid {
		return repository.ErrTxStateInvalid
	}

	effect, err := s.effectFor(ptx.OwnerKind)
	if err != nil {
		return err
	}
	if err := effect.revert(ctx, tx, ptx); err != nil {
		return err
	}

	if err := s.paymentRepo.UpdateState(ctx, tx, ptx.TxNo, model.PayTxStatePaid, model.PayTxStateReverted); err != nil {
		return err
	}
	return s.paymentRepo.SetErrorDetail(ctx, tx, ptx.TxNo, reason)
}

// ExpireStale 超时扫描
// 截止时间已过仍未支付的 PENDING/FAILED 支付单置为 EXPIRED
// 从未应用过业务效果，无需逆向处理
func (s *PaymentService) ExpireStale(ctx context.Context) (int, error) {
	ptxs, err := s.paymentRepo.GetStale(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("查询超时支付单失败: %w", err)
	}

	expired := 0
	for _, ptx := range ptxs {
		if err := s.paymentRepo.UpdateState(ctx, nil, ptx.TxNo, ptx.State, model.PayTxStateExpired); err != nil {
			if errors.Is(err, repository.ErrTxStateInvalid) {
				// 已被并发处理（支付确认/违约扫描），跳过
				continue
			}
			log.Printf("[PaymentService] 关闭超时支付单失败: txNo=%s, err=%v", ptx.TxNo, err)
			continue
		}
		expired++
		log.Printf("[PaymentService] 支付单已超时关闭: txNo=%s, ownerKind=%s", ptx.TxNo, ptx.OwnerKind)
	}
	return expired, nil
}

func (s *PaymentService) GetByTxNo(ctx context.Context, txNo string) (*model.PaymentTransaction, error) {
	return s.paymentRepo.GetByTxNo(ctx, txNo)
}

// ============================================================================
// 中标结算效果
// ============================================================================

// confirmBidSettlement 中标款到账
// 前置条件：出价仍是 WINNING_PENDING 且拍品中标人未变
// 拍品已被违约递补/重新入池时前置条件失效，返回业务冲突走退款
func (s *PaymentService) confirmBidSettlement(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	bid, err := s.bidRepo.GetByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}

	lot, err := s.lotRepo.GetByIDForUpdate(ctx, tx, bid.LotID)
	if err != nil {
		return err
	}

	if bid.Status != model.BidStatusWinningPending ||
		lot.AuctionState != model.LotStateClosed ||
		lot.WinnerUserID == nil || *lot.WinnerUserID != bid.UserID {
		return fmt.Errorf("%w: 拍品已递补或重新入池", ErrBusinessRuleConflict)
	}

	// 落选方标记 LOST 并返还竞拍券
	loserIDs, err := s.bidRepo.GetActiveUserIDs(ctx, tx, lot.ID, bid.ID)
	if err != nil {
		return err
	}
	if err := s.bidRepo.MarkOthersLost(ctx, tx, lot.ID, bid.ID); err != nil {
		return err
	}
	for _, loserID := range loserIDs {
		if err := s.walletSvc.RefundToken(ctx, tx, loserID, lot.ProjectID, lot.ID, "落选返还竞拍券"); err != nil {
			return err
		}
		if err := s.notifySvc.Notify(ctx, tx, loserID, "bid_lost", map[string]interface{}{
			"lot_id": lot.ID,
		}); err != nil {
			return err
		}
	}

	if err := s.notifySvc.Notify(ctx, tx, bid.UserID, "settlement_confirmed", map[string]interface{}{
		"lot_id": lot.ID,
		"tx_no":  ptx.TxNo,
		"amount": ptx.Amount,
	}); err != nil {
		return err
	}

	return s.notifySvc.EmitAuctionEvent(ctx, tx, fmt.Sprintf("lot-%d", lot.ID), map[string]interface{}{
		"event":     "lot_settled",
		"lot_id":    lot.ID,
		"winner_id": bid.UserID,
		"amount":    ptx.Amount,
	})
}

// failBidSettlement 结算支付失败只做通知
// 违约判定归违约扫描负责：截止时间到了仍未 PAID 才算违约
func (s *PaymentService) failBidSettlement(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction, reason string) error {
	return s.notifySvc.Notify(ctx, tx, ptx.UserID, "settlement_payment_failed", map[string]interface{}{
		"tx_no":  ptx.TxNo,
		"reason": reason,
	})
}

// revertBidSettlement 结算冲正
// 恢复落选出价并尽力回收落选时返还的券；中标出价保持 WINNING_PENDING，
// 其支付单已是 REVERTED，下一轮违约扫描会按未支付违约处理（清空中标人或递补）
func (s *PaymentService) revertBidSettlement(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	bid, err := s.bidRepo.GetByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}

	lot, err := s.lotRepo.GetByIDForUpdate(ctx, tx, bid.LotID)
	if err != nil {
		return err
	}

	lostBids, err := s.bidRepo.GetLostBids(ctx, tx, lot.ID)
	if err != nil {
		return err
	}
	if err := s.bidRepo.RestoreLost(ctx, tx, lot.ID); err != nil {
		return err
	}
	for _, lost := range lostBids {
		if err := s.walletSvc.ReclaimToken(ctx, tx, lost.UserID, lot.ProjectID, lot.ID); err != nil {
			if errors.Is(err, repository.ErrInsufficientTokens) {
				// 用户已把返还的券用在别处，放弃回收
				log.Printf("[PaymentService] 冲正回收竞拍券失败（余额不足）: userID=%d, lotID=%d", lost.UserID, lot.ID)
				continue
			}
			return err
		}
	}

	return s.notifySvc.Notify(ctx, tx, bid.UserID, "settlement_reverted", map[string]interface{}{
		"lot_id": lot.ID,
		"tx_no":  ptx.TxNo,
	})
}

// ============================================================================
// 投资效果
// ============================================================================

// confirmInvestment 投资款到账
// AddRaised 的 WHERE 子句同时校验项目开放与额度充足，
// 结账创建到支付确认之间额度被抢满/项目关闭时在这里被拒绝
func (s *PaymentService) confirmInvestment(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	investment, err := s.investRepo.GetByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}
	if investment.State != model.InvestmentStateReserved {
		return fmt.Errorf("%w: 投资已取消", ErrBusinessRuleConflict)
	}

	if err := s.projectRepo.AddRaised(ctx, tx, investment.ProjectID, investment.Amount); err != nil {
		if errors.Is(err, repository.ErrProjectClosed) || errors.Is(err, repository.ErrCapacityFull) {
			return fmt.Errorf("%w: %v", ErrBusinessRuleConflict, err)
		}
		return err
	}

	if err := s.investRepo.UpdateState(ctx, tx, investment.ID, model.InvestmentStateReserved, model.InvestmentStateGranted); err != nil {
		return err
	}

	return s.notifySvc.Notify(ctx, tx, ptx.UserID, "investment_granted", map[string]interface{}{
		"investment_id": investment.ID,
		"project_id":    investment.ProjectID,
		"amount":        investment.Amount,
	})
}

func (s *PaymentService) failInvestment(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction, reason string) error {
	investment, err := s.investRepo.GetByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}
	if investment.State == model.InvestmentStateReserved {
		if err := s.investRepo.UpdateState(ctx, tx, investment.ID, model.InvestmentStateReserved, model.InvestmentStateCancelled); err != nil {
			return err
		}
	}
	return s.notifySvc.Notify(ctx, tx, ptx.UserID, "investment_payment_failed", map[string]interface{}{
		"investment_id": investment.ID,
		"reason":        reason,
	})
}

// revertInvestment 投资冲正：取消投资并回退项目已募金额
func (s *PaymentService) revertInvestment(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	investment, err := s.investRepo.GetByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}

	if err := s.investRepo.UpdateState(ctx, tx, investment.ID, model.InvestmentStateGranted, model.InvestmentStateCancelled); err != nil {
		return err
	}
	if err := s.projectRepo.SubtractRaised(ctx, tx, investment.ProjectID, investment.Amount); err != nil {
		return err
	}

	return s.notifySvc.Notify(ctx, tx, ptx.UserID, "investment_reverted", map[string]interface{}{
		"investment_id": investment.ID,
		"amount":        investment.Amount,
	})
}

// ============================================================================
// 订阅期费效果
// ============================================================================

func (s *PaymentService) confirmSubscriptionFee(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	installment, err := s.subRepo.GetInstallmentByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}
	sub, err := s.subRepo.GetByID(ctx, tx, installment.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.State != model.SubscriptionStateActive {
		return fmt.Errorf("%w: 订阅已取消", ErrBusinessRuleConflict)
	}

	if err := s.subRepo.UpdateInstallmentState(ctx, tx, installment.ID, installment.State, model.InstallmentStatePaid); err != nil {
		return err
	}

	return s.notifySvc.Notify(ctx, tx, ptx.UserID, "installment_paid", map[string]interface{}{
		"subscription_id": sub.ID,
		"seq":             installment.Seq,
		"amount":          ptx.Amount,
	})
}

// failSubscriptionFee 期费支付失败
// 【关键点】只有首期失败才取消整个订阅；后续期失败只标记本期，订阅保持有效
func (s *PaymentService) failSubscriptionFee(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction, reason string) error {
	installment, err := s.subRepo.GetInstallmentByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}

	if err := s.subRepo.UpdateInstallmentState(ctx, tx, installment.ID, model.InstallmentStatePending, model.InstallmentStateFailed); err != nil {
		return err
	}

	if installment.Seq == 1 {
		if err := s.subRepo.UpdateState(ctx, tx, installment.SubscriptionID, model.SubscriptionStateActive, model.SubscriptionStateCancelled); err != nil {
			return err
		}
	}

	return s.notifySvc.Notify(ctx, tx, ptx.UserID, "installment_payment_failed", map[string]interface{}{
		"subscription_id": installment.SubscriptionID,
		"seq":             installment.Seq,
		"reason":          reason,
	})
}

// revertSubscriptionFee 期费冲正：本期回到 FAILED，留给运营跟进
func (s *PaymentService) revertSubscriptionFee(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	installment, err := s.subRepo.GetInstallmentByID(ctx, tx, ptx.OwnerID)
	if err != nil {
		return err
	}

	if err := s.subRepo.UpdateInstallmentState(ctx, tx, installment.ID, model.InstallmentStatePaid, model.InstallmentStateFailed); err != nil {
		return err
	}

	return s.notifySvc.NotifyOperators(ctx, tx, "installment_reverted", map[string]interface{}{
		"subscription_id": installment.SubscriptionID,
		"seq":             installment.Seq,
		"tx_no":           ptx.TxNo,
	})
}
