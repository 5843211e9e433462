package repository

import (
	"context"
	"errors"
	"time"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLotNotFound     = errors.New("拍品不存在")
	ErrLotStateInvalid = errors.New("拍品状态不合法")
)

type LotRepository struct {
	db *gorm.DB
}

func NewLotRepository(db *gorm.DB) *LotRepository {
	return &LotRepository{db: db}
}

func (r *LotRepository) Create(ctx context.Context, lot *model.Lot) error {
	return r.db.WithContext(ctx).Create(lot).Error
}

func (r *LotRepository) GetByID(ctx context.Context, id int64) (*model.Lot, error) {
	var lot model.Lot
	err := r.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	return &lot, nil
}

// GetByIDForUpdate 行级锁读取拍品
// 违约处理与支付确认都会读改写 winner/state 字段，必须串行化
func (r *LotRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Lot, error) {
	var lot model.Lot
	q := tx.WithContext(ctx)
	// 测试环境的 sqlite 不支持 SELECT ... FOR UPDATE
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ? AND active = ?", id, true).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	return &lot, nil
}

// UpdateState 带状态机校验的 CAS 状态更新
// WHERE auction_state = 旧状态，RowsAffected = 0 即并发冲突或重复触发，直接拒绝
func (r *LotRepository) UpdateState(ctx context.Context, tx *gorm.DB, lotID int64, fromState, toState string) error {
	if !model.LotCanTransitionTo(fromState, toState) {
		return ErrLotStateInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Lot{}).
		Where("id = ? AND auction_state = ?", lotID, fromState).
		Update("auction_state", toState)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrLotStateInvalid
	}

	return nil
}

// SetWinner 设置当前中标人
func (r *LotRepository) SetWinner(ctx context.Context, tx *gorm.DB, lotID int64, userID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Lot{}).
		Where("id = ?", lotID).
		Update("winner_user_id", userID).Error
}

// IncrementDefaultAttempt 违约计数加一，返回累加后的计数
func (r *LotRepository) IncrementDefaultAttempt(ctx context.Context, tx *gorm.DB, lotID int64) (int, error) {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).
		Model(&model.Lot{}).
		Where("id = ?", lotID).
		UpdateColumn("default_attempt_count", gorm.Expr("default_attempt_count + 1")).Error
	if err != nil {
		return 0, err
	}

	var count int
	err = tx.WithContext(ctx).
		Model(&model.Lot{}).
		Where("id = ?", lotID).
		Pluck("default_attempt_count", &count).Error
	return count, err
}

// ResetForReopen 流拍重新入池：清空中标人、违约计数清零、状态回到 PENDING
func (r *LotRepository) ResetForReopen(ctx context.Context, tx *gorm.DB, lotID int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Lot{}).
		Where("id = ? AND auction_state = ?", lotID, model.LotStateClosed).
		Updates(map[string]interface{}{
			"auction_state":         model.LotStatePending,
			"winner_user_id":        nil,
			"default_attempt_count": 0,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLotStateInvalid
	}
	return nil
}

// GetDueToOpen 到达开拍时间的待拍拍品
// 要求 end_time 仍在未来：流拍重新入池的拍品需运营重新排期后才会再次开拍
func (r *LotRepository) GetDueToOpen(ctx context.Context, now time.Time, limit int) ([]*model.Lot, error) {
	var lots []*model.Lot
	err := r.db.WithContext(ctx).
		Where("auction_state = ? AND active = ? AND start_time <= ? AND end_time > ?", model.LotStatePending, true, now, now).
		Limit(limit).
		Find(&lots).Error
	return lots, err
}

// GetDueToClose 到达截拍时间的竞拍中拍品
func (r *LotRepository) GetDueToClose(ctx context.Context, now time.Time, limit int) ([]*model.Lot, error) {
	var lots []*model.Lot
	err := r.db.WithContext(ctx).
		Where("auction_state = ? AND active = ? AND end_time <= ?", model.LotStateActive, true, now).
		Limit(limit).
		Find(&lots).Error
	return lots, err
}
