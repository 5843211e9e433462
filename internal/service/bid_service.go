package service

import (
	"context"
	"fmt"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/infrastructure/lock"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"
	"auctionsystem/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// BidService 出价引擎
type BidService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	lotRepo     *repository.LotRepository
	bidRepo     *repository.BidRepository
	walletSvc   *WalletService
}

func NewBidService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *BidService {
	return &BidService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		lotRepo:     repository.NewLotRepository(db),
		bidRepo:     repository.NewBidRepository(db),
		walletSvc:   NewWalletService(db, cfg),
	}
}

type PlaceBidRequest struct {
	LotID  int64 `json:"lot_id" binding:"required"`
	UserID int64 `json:"-"`
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// PlaceBid 出价
//
// 【关键点】
// 1. 只对 ACTIVE 状态的拍品受理出价，除金额>0外不设最低加价规则
// 2. 同一用户在同一拍品上首次出价消耗一张竞拍券，扣券失败整个出价失败
// 3. 重复出价新增记录而非更新，保留完整审计历史
func (s *BidService) PlaceBid(ctx context.Context, req *PlaceBidRequest) (*model.Bid, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// 前置校验快速拒绝，状态在事务内还会复核一次
	lot, err := s.lotRepo.GetByID(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	if lot.AuctionState != model.LotStateActive {
		return nil, ErrAuctionNotActive
	}

	// 按 (用户, 拍品) 维度加锁，防止同一用户的并发重复提交把一张券扣成两张
	bidLock := lock.NewBidLock(s.redisClient, req.UserID, req.LotID)
	if err := bidLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer bidLock.Unlock(ctx)

	bid := &model.Bid{
		BidNo:    idgen.GenerateBidNo(),
		LotID:    req.LotID,
		UserID:   req.UserID,
		Amount:   req.Amount,
		Status:   model.BidStatusActive,
		PlacedAt: time.Now(),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.placeBidTx(ctx, tx, req.UserID, req.LotID, bid)
	})
	if err != nil {
		return nil, err
	}

	return bid, nil
}

// placeBidTx 事务内的出价落库
// 拍品状态必须在行锁下复核：截拍扫描可能在前置校验之后并发关闭拍品，
// 复核失败则整个事务回滚，不会留下出价记录或扣掉竞拍券
func (s *BidService) placeBidTx(ctx context.Context, tx *gorm.DB, userID, lotID int64, bid *model.Bid) error {
	lot, err := s.lotRepo.GetByIDForUpdate(ctx, tx, lotID)
	if err != nil {
		return err
	}
	if lot.AuctionState != model.LotStateActive {
		return ErrAuctionNotActive
	}

	if _, err := s.walletSvc.ConsumeTokenIfAbsent(ctx, tx, userID, lot.ProjectID, lot.ID); err != nil {
		return err
	}
	if err := s.bidRepo.Create(ctx, tx, bid); err != nil {
		return fmt.Errorf("创建出价记录失败: %w", err)
	}
	return nil
}

// HighestActiveBid 当前领先出价，无人出价时返回 nil
func (s *BidService) HighestActiveBid(ctx context.Context, lotID int64) (*model.Bid, error) {
	return s.bidRepo.GetHighestActive(ctx, nil, lotID)
}

func (s *BidService) ListLotBids(ctx context.Context, lotID int64, page, pageSize int) ([]*model.Bid, int64, error) {
	return s.bidRepo.ListByLot(ctx, lotID, page, pageSize)
}
