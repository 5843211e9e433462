package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"
	"auctionsystem/pkg/idgen"

	"gorm.io/gorm"
)

// AuctionService 拍卖生命周期
// 开拍/截拍由外部调度触发，所有状态迁移都走 CAS，重复触发天然幂等
type AuctionService struct {
	db          *gorm.DB
	cfg         *config.Config
	lotRepo     *repository.LotRepository
	bidRepo     *repository.BidRepository
	paymentRepo *repository.PaymentRepository
	subRepo     *repository.SubscriptionRepository
	notifySvc   *NotifyService
	batchSize   int
}

func NewAuctionService(db *gorm.DB, cfg *config.Config) *AuctionService {
	return &AuctionService{
		db:          db,
		cfg:         cfg,
		lotRepo:     repository.NewLotRepository(db),
		bidRepo:     repository.NewBidRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		subRepo:     repository.NewSubscriptionRepository(db),
		notifySvc:   NewNotifyService(db, cfg),
		batchSize:   100,
	}
}

// OpenDueLots 开拍扫描：到达开拍时间的待拍拍品置为竞拍中
func (s *AuctionService) OpenDueLots(ctx context.Context) (int, error) {
	lots, err := s.lotRepo.GetDueToOpen(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("查询待开拍拍品失败: %w", err)
	}

	opened := 0
	for _, lot := range lots {
		if err := s.openLot(ctx, lot); err != nil {
			// 单个拍品失败不影响其它拍品
			log.Printf("[AuctionService] 开拍失败: lotID=%d, err=%v", lot.ID, err)
			continue
		}
		opened++
	}
	return opened, nil
}

func (s *AuctionService) openLot(ctx context.Context, lot *model.Lot) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.lotRepo.UpdateState(ctx, tx, lot.ID, model.LotStatePending, model.LotStateActive); err != nil {
			return err
		}

		if err := s.notifySvc.EmitAuctionEvent(ctx, tx, fmt.Sprintf("lot-%d", lot.ID), map[string]interface{}{
			"event":  "auction_started",
			"lot_id": lot.ID,
		}); err != nil {
			return err
		}

		// 通知该项目的订阅用户开拍
		userIDs, err := s.subRepo.ListActiveUserIDsByProject(ctx, tx, lot.ProjectID)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			if err := s.notifySvc.Notify(ctx, tx, userID, "auction_started", map[string]interface{}{
				"lot_id":   lot.ID,
				"lot_name": lot.Name,
				"end_time": lot.EndTime.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseDueLots 截拍扫描：到达截拍时间的拍品选出中标人并创建结算支付单
func (s *AuctionService) CloseDueLots(ctx context.Context) (int, error) {
	lots, err := s.lotRepo.GetDueToClose(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("查询待截拍拍品失败: %w", err)
	}

	closed := 0
	for _, lot := range lots {
		if err := s.closeLot(ctx, lot); err != nil {
			log.Printf("[AuctionService] 截拍失败: lotID=%d, err=%v", lot.ID, err)
			continue
		}
		closed++
	}
	return closed, nil
}

// closeLot 截拍单个拍品
// 选最高有效出价为中标人：金额相同先出价者优先；无人出价则无中标截拍
func (s *AuctionService) closeLot(ctx context.Context, lot *model.Lot) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		// CAS 失败说明已被并发截拍，按已处理对待
		if err := s.lotRepo.UpdateState(ctx, tx, lot.ID, model.LotStateActive, model.LotStateClosed); err != nil {
			return err
		}

		top, err := s.bidRepo.GetHighestActive(ctx, tx, lot.ID)
		if err != nil {
			return fmt.Errorf("查询最高出价失败: %w", err)
		}

		if top == nil {
			// 无人出价，无中标截拍，不创建支付单
			log.Printf("[AuctionService] 无人出价截拍: lotID=%d", lot.ID)
			return s.notifySvc.EmitAuctionEvent(ctx, tx, fmt.Sprintf("lot-%d", lot.ID), map[string]interface{}{
				"event":  "auction_closed_no_bids",
				"lot_id": lot.ID,
			})
		}

		if err := s.bidRepo.UpdateStatus(ctx, tx, top.ID, model.BidStatusActive, model.BidStatusWinningPending); err != nil {
			return fmt.Errorf("标记中标出价失败: %w", err)
		}
		if err := s.lotRepo.SetWinner(ctx, tx, lot.ID, top.UserID); err != nil {
			return fmt.Errorf("设置中标人失败: %w", err)
		}

		deadline := time.Now().Add(s.cfg.Business.PaymentDeadline())
		ptx := &model.PaymentTransaction{
			TxNo:      idgen.GenerateTxNo(),
			OwnerKind: model.OwnerKindBidSettlement,
			OwnerID:   top.ID,
			UserID:    top.UserID,
			Amount:    top.Amount,
			State:     model.PayTxStatePending,
			Deadline:  deadline,
		}
		if err := s.paymentRepo.Create(ctx, tx, ptx); err != nil {
			return fmt.Errorf("创建结算支付单失败: %w", err)
		}

		if err := s.notifySvc.Notify(ctx, tx, top.UserID, "auction_won", map[string]interface{}{
			"lot_id":   lot.ID,
			"lot_name": lot.Name,
			"amount":   top.Amount,
			"tx_no":    ptx.TxNo,
			"deadline": deadline.Format(time.RFC3339),
		}); err != nil {
			return err
		}

		log.Printf("[AuctionService] 截拍完成: lotID=%d, winner=%d, amount=%d, txNo=%s",
			lot.ID, top.UserID, top.Amount, ptx.TxNo)

		return s.notifySvc.EmitAuctionEvent(ctx, tx, fmt.Sprintf("lot-%d", lot.ID), map[string]interface{}{
			"event":     "auction_closed",
			"lot_id":    lot.ID,
			"winner_id": top.UserID,
			"amount":    top.Amount,
		})
	})
}
