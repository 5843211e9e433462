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
	"auctionsystem/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 违约与递补引擎
// ============================================================================
//
// 中标人未在截止时间内完成支付即构成违约。违约处理流程：
//
//   1. 中标出价 WINNING_PENDING -> DEFAULTED，原支付单关闭
//   2. 返还违约人的竞拍券（违约返券，但违约记录保留）
//   3. 拍品违约计数 +1
//   4. 计数未到上限：递补下一顺位出价（排除所有已违约用户），创建新支付单
//   5. 计数到达上限或无人可递补：拍品重新入池（CLOSED -> PENDING），
//      剩余出价全部作废返券，等运营重新排期
//
// 【关键点】
// 1. 每个拍品独立事务处理，且先拿拍品行锁，与支付确认互斥
// 2. 递补得到全新的支付截止时间，不继承违约人的剩余时间
// 3. 同一用户在同一拍品上违约一次后，其所有出价永久失去递补资格
// ============================================================================

type DefaultService struct {
	db          *gorm.DB
	cfg         *config.Config
	lotRepo     *repository.LotRepository
	bidRepo     *repository.BidRepository
	paymentRepo *repository.PaymentRepository
	walletSvc   *WalletService
	notifySvc   *NotifyService
	batchSize   int
}

func NewDefaultService(db *gorm.DB, cfg *config.Config) *DefaultService {
	return &DefaultService{
		db:          db,
		cfg:         cfg,
		lotRepo:     repository.NewLotRepository(db),
		bidRepo:     repository.NewBidRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		walletSvc:   NewWalletService(db, cfg),
		notifySvc:   NewNotifyService(db, cfg),
		batchSize:   100,
	}
}

// SweepExpiredWinningBids 违约扫描入口
// 遍历全部中标待支付出价，对已过截止时间且未支付的执行违约处理
func (s *DefaultService) SweepExpiredWinningBids(ctx context.Context) (int, error) {
	bids, err := s.bidRepo.GetAllWinningPending(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("查询中标待支付出价失败: %w", err)
	}

	handled := 0
	for _, bid := range bids {
		ptx, err := s.paymentRepo.GetLatestByOwner(ctx, nil, model.OwnerKindBidSettlement, bid.ID)
		if err != nil {
			log.Printf("[DefaultService] 查询结算支付单失败: bidID=%d, err=%v", bid.ID, err)
			continue
		}
		if ptx == nil {
			// 截拍事务未完成或数据异常，下一轮再看
			continue
		}
		if ptx.State == model.PayTxStatePaid {
			continue
		}
		if ptx.State != model.PayTxStateReverted && time.Now().Before(ptx.Deadline) {
			// 未到截止时间；冲正过的支付单不等截止时间，立即按违约处理
			continue
		}

		if err := s.handleDefault(ctx, bid, ptx); err != nil {
			log.Printf("[DefaultService] 违约处理失败: bidID=%d, err=%v", bid.ID, err)
			continue
		}
		handled++
	}
	return handled, nil
}

// handleDefault 处理单个违约出价
func (s *DefaultService) handleDefault(ctx context.Context, bid *model.Bid, ptx *model.PaymentTransaction) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		lot, err := s.lotRepo.GetByIDForUpdate(ctx, tx, bid.LotID)
		if err != nil {
			return err
		}

		// 拿到行锁后重查，CAS 失败说明已被并发处理
		if err := s.bidRepo.UpdateStatus(ctx, tx, bid.ID, model.BidStatusWinningPending, model.BidStatusDefaulted); err != nil {
			if errors.Is(err, repository.ErrBidStatusInvalid) {
				return nil
			}
			return err
		}

		// 关闭原支付单；冲正过的已是终态不再动
		if ptx.State == model.PayTxStatePending || ptx.State == model.PayTxStateFailed {
			if err := s.paymentRepo.UpdateState(ctx, tx, ptx.TxNo, ptx.State, model.PayTxStateExpired); err != nil && !errors.Is(err, repository.ErrTxStateInvalid) {
				return err
			}
		}

		// 违约返券
		if err := s.walletSvc.RefundToken(ctx, tx, bid.UserID, lot.ProjectID, lot.ID, "违约返还竞拍券"); err != nil {
			return err
		}
		if err := s.notifySvc.Notify(ctx, tx, bid.UserID, "bid_defaulted", map[string]interface{}{
			"lot_id": lot.ID,
			"tx_no":  ptx.TxNo,
		}); err != nil {
			return err
		}

		attempts, err := s.lotRepo.IncrementDefaultAttempt(ctx, tx, lot.ID)
		if err != nil {
			return err
		}

		if attempts >= s.cfg.Business.MaxDefaultAttempts {
			log.Printf("[DefaultService] 违约次数到达上限，拍品重新入池: lotID=%d, attempts=%d", lot.ID, attempts)
			return s.reopenLot(ctx, tx, lot)
		}
		return s.promoteNext(ctx, tx, lot, attempts)
	})
}

// promoteNext 递补下一顺位出价
func (s *DefaultService) promoteNext(ctx context.Context, tx *gorm.DB, lot *model.Lot, attempts int) error {
	defaultedIDs, err := s.bidRepo.GetDefaultedUserIDs(ctx, tx, lot.ID)
	if err != nil {
		return err
	}

	next, err := s.bidRepo.GetNextEligible(ctx, tx, lot.ID, defaultedIDs)
	if err != nil {
		return err
	}
	if next == nil {
		// 无人可递补，提前重新入池
		log.Printf("[DefaultService] 无可递补出价，拍品重新入池: lotID=%d", lot.ID)
		return s.reopenLot(ctx, tx, lot)
	}

	if err := s.bidRepo.UpdateStatus(ctx, tx, next.ID, model.BidStatusActive, model.BidStatusWinningPending); err != nil {
		return fmt.Errorf("标记递补中标出价失败: %w", err)
	}
	if err := s.lotRepo.SetWinner(ctx, tx, lot.ID, next.UserID); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.Business.PaymentDeadline())
	newPtx := &model.PaymentTransaction{
		TxNo:      idgen.GenerateTxNo(),
		OwnerKind: model.OwnerKindBidSettlement,
		OwnerID:   next.ID,
		UserID:    next.UserID,
		Amount:    next.Amount,
		State:     model.PayTxStatePending,
		Deadline:  deadline,
	}
	if err := s.paymentRepo.Create(ctx, tx, newPtx); err != nil {
		return fmt.Errorf("创建递补结算支付单失败: %w", err)
	}

	log.Printf("[DefaultService] 递补中标: lotID=%d, newWinner=%d, amount=%d, attempts=%d",
		lot.ID, next.UserID, next.Amount, attempts)

	if err := s.notifySvc.Notify(ctx, tx, next.UserID, "auction_won", map[string]interface{}{
		"lot_id":   lot.ID,
		"lot_name": lot.Name,
		"amount":   next.Amount,
		"tx_no":    newPtx.TxNo,
		"deadline": deadline.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	return s.notifySvc.EmitAuctionEvent(ctx, tx, fmt.Sprintf("lot-%d", lot.ID), map[string]interface{}{
		"event":     "winner_reassigned",
		"lot_id":    lot.ID,
		"winner_id": next.UserID,
		"amount":    next.Amount,
	})
}

// reopenLot 拍品重新入池
// 剩余 ACTIVE 出价全部作废并返券；时间窗已过期，需运营重新排期后才会再次开拍
func (s *DefaultService) reopenLot(ctx context.Context, tx *gorm.DB, lot *model.Lot) error {
	remaining, err := s.bidRepo.GetActiveUserIDs(ctx, tx, lot.ID, 0)
	if err != nil {
		return err
	}
	if err := s.bidRepo.MarkOthersLost(ctx, tx, lot.ID, 0); err != nil {
		return err
	}
	for _, userID := range remaining {
		if err := s.walletSvc.RefundToken(ctx, tx, userID, lot.ProjectID, lot.ID, "流拍返还竞拍券"); err != nil {
			return err
		}
		if err := s.notifySvc.Notify(ctx, tx, userID, "auction_unsold", map[string]interface{}{
			"lot_id": lot.ID,
		}); err != nil {
			return err
		}
	}

	if err := s.lotRepo.ResetForReopen(ctx, tx, lot.ID); err != nil {
		return err
	}

	if err := s.notifySvc.NotifyOperators(ctx, tx, "lot_reopened", map[string]interface{}{
		"lot_id":           lot.ID,
		"default_attempts": lot.DefaultAttemptCount + 1,
	}); err != nil {
		return err
	}

	return s.notifySvc.EmitAuctionEvent(ctx, tx, fmt.Sprintf("lot-%d", lot.ID), map[string]interface{}{
		"event":  "lot_reopened",
		"lot_id": lot.ID,
	})
}
