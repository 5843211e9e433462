package repository

import (
	"context"
	"errors"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
)

var ErrInvestmentNotFound = errors.New("投资记录不存在")

type InvestmentRepository struct {
	db *gorm.DB
}

func NewInvestmentRepository(db *gorm.DB) *InvestmentRepository {
	return &InvestmentRepository{db: db}
}

func (r *InvestmentRepository) Create(ctx context.Context, tx *gorm.DB, investment *model.Investment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(investment).Error
}

func (r *InvestmentRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Investment, error) {
	if tx == nil {
		tx = r.db
	}
	var investment model.Investment
	err := tx.WithContext(ctx).Where("id = ?", id).First(&investment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvestmentNotFound
		}
		return nil, err
	}
	return &investment, nil
}

// UpdateState CAS 状态更新
func (r *InvestmentRepository) UpdateState(ctx context.Context, tx *gorm.DB, id int64, fromState, toState string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Investment{}).
		Where("id = ? AND state = ?", id, fromState).
		Update("state", toState)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvestmentNotFound
	}
	return nil
}
