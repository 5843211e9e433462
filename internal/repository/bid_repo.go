package repository

import (
	"context"
	"errors"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrBidNotFound      = errors.New("出价记录不存在")
	ErrBidStatusInvalid = errors.New("出价状态不合法")
)

type BidRepository struct {
	db *gorm.DB
}

func NewBidRepository(db *gorm.DB) *BidRepository {
	return &BidRepository{db: db}
}

func (r *BidRepository) Create(ctx context.Context, tx *gorm.DB, bid *model.Bid) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(bid).Error
}

func (r *BidRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Bid, error) {
	if tx == nil {
		tx = r.db
	}
	var bid model.Bid
	err := tx.WithContext(ctx).Where("id = ?", id).First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBidNotFound
		}
		return nil, err
	}
	return &bid, nil
}

// CountByLotAndUser 用户在该拍品上的历史出价次数
// 用于"每用户每拍品只消耗一张券"的首次出价判定
func (r *BidRepository) CountByLotAndUser(ctx context.Context, tx *gorm.DB, lotID, userID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Bid{}).
		Where("lot_id = ? AND user_id = ?", lotID, userID).
		Count(&count).Error
	return count, err
}

// GetHighestActive 当前领先出价
// 排名规则：金额从高到低，金额相同先出价者优先；ACTIVE 与 WINNING_PENDING 均参与
func (r *BidRepository) GetHighestActive(ctx context.Context, tx *gorm.DB, lotID int64) (*model.Bid, error) {
	if tx == nil {
		tx = r.db
	}
	var bid model.Bid
	err := tx.WithContext(ctx).
		Where("lot_id = ? AND status IN ?", lotID, []string{model.BidStatusActive, model.BidStatusWinningPending}).
		Order("amount DESC").
		Order("placed_at ASC").
		First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

// GetNextEligible 违约递补时的下一顺位出价
// 只看 ACTIVE 出价，且排除所有已违约用户的全部出价
func (r *BidRepository) GetNextEligible(ctx context.Context, tx *gorm.DB, lotID int64, excludedUserIDs []int64) (*model.Bid, error) {
	if tx == nil {
		tx = r.db
	}
	query := tx.WithContext(ctx).
		Where("lot_id = ? AND status = ?", lotID, model.BidStatusActive)
	if len(excludedUserIDs) > 0 {
		query = query.Where("user_id NOT IN ?", excludedUserIDs)
	}

	var bid model.Bid
	err := query.
		Order("amount DESC").
		Order("placed_at ASC").
		First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

// GetDefaultedUserIDs 该拍品上已违约的用户ID列表
func (r *BidRepository) GetDefaultedUserIDs(ctx context.Context, tx *gorm.DB, lotID int64) ([]int64, error) {
	if tx == nil {
		tx = r.db
	}
	var userIDs []int64
	err := tx.WithContext(ctx).
		Model(&model.Bid{}).
		Where("lot_id = ? AND status = ?", lotID, model.BidStatusDefaulted).
		Distinct().
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// UpdateStatus 带前置状态的 CAS 更新
// 保证"同一拍品至多一条 WINNING_PENDING"依赖调用方在同一事务内先做 CAS 降级
func (r *BidRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, bidID int64, fromStatus, toStatus string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Bid{}).
		Where("id = ? AND status = ?", bidID, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBidStatusInvalid
	}
	return nil
}

// MarkOthersLost 中标人完成支付后，其余 ACTIVE 出价全部标记落选
func (r *BidRepository) MarkOthersLost(ctx context.Context, tx *gorm.DB, lotID, winningBidID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Bid{}).
		Where("lot_id = ? AND id != ? AND status = ?", lotID, winningBidID, model.BidStatusActive).
		Update("status", model.BidStatusLost).Error
}

// GetActiveUserIDs 仍持有 ACTIVE 出价的用户，排除指定出价
// 结算时用于落选返券与通知
func (r *BidRepository) GetActiveUserIDs(ctx context.Context, tx *gorm.DB, lotID, excludeBidID int64) ([]int64, error) {
	if tx == nil {
		tx = r.db
	}
	var userIDs []int64
	err := tx.WithContext(ctx).
		Model(&model.Bid{}).
		Where("lot_id = ? AND id != ? AND status = ?", lotID, excludeBidID, model.BidStatusActive).
		Distinct().
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// GetLostBids 落选出价列表，冲正时恢复用
func (r *BidRepository) GetLostBids(ctx context.Context, tx *gorm.DB, lotID int64) ([]*model.Bid, error) {
	if tx == nil {
		tx = r.db
	}
	var bids []*model.Bid
	err := tx.WithContext(ctx).
		Where("lot_id = ? AND status = ?", lotID, model.BidStatusLost).
		Find(&bids).Error
	return bids, err
}

// RestoreLost 冲正时恢复落选出价，拍品重新进入违约处理
func (r *BidRepository) RestoreLost(ctx context.Context, tx *gorm.DB, lotID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Bid{}).
		Where("lot_id = ? AND status = ?", lotID, model.BidStatusLost).
		Update("status", model.BidStatusActive).Error
}

// GetWinningPendingByLot 拍品当前的中标待支付出价
func (r *BidRepository) GetWinningPendingByLot(ctx context.Context, tx *gorm.DB, lotID int64) (*model.Bid, error) {
	if tx == nil {
		tx = r.db
	}
	var bid model.Bid
	err := tx.WithContext(ctx).
		Where("lot_id = ? AND status = ?", lotID, model.BidStatusWinningPending).
		First(&bid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}

// GetAllWinningPending 全量中标待支付出价，违约扫描入口
func (r *BidRepository) GetAllWinningPending(ctx context.Context, limit int) ([]*model.Bid, error) {
	var bids []*model.Bid
	err := r.db.WithContext(ctx).
		Where("status = ?", model.BidStatusWinningPending).
		Order("placed_at ASC").
		Limit(limit).
		Find(&bids).Error
	return bids, err
}

func (r *BidRepository) ListByLot(ctx context.Context, lotID int64, page, pageSize int) ([]*model.Bid, int64, error) {
	var bids []*model.Bid
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Bid{}).Where("lot_id = ?", lotID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("amount DESC").
		Order("placed_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&bids).Error

	return bids, total, err
}
