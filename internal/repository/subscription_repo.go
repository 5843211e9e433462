package repository

import (
	"context"
	"errors"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("订阅不存在")
	ErrInstallmentNotFound  = errors.New("期费记录不存在")
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) Create(ctx context.Context, tx *gorm.DB, sub *model.Subscription) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(sub).Error
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Subscription, error) {
	if tx == nil {
		tx = r.db
	}
	var sub model.Subscription
	err := tx.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) GetByUserAndProject(ctx context.Context, userID, projectID int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND project_id = ?", userID, projectID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) UpdateState(ctx context.Context, tx *gorm.DB, id int64, fromState, toState string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("id = ? AND state = ?", id, fromState).
		Update("state", toState)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ListActiveUserIDsByProject 项目的有效订阅用户，开拍通知用
func (r *SubscriptionRepository) ListActiveUserIDsByProject(ctx context.Context, tx *gorm.DB, projectID int64) ([]int64, error) {
	if tx == nil {
		tx = r.db
	}
	var userIDs []int64
	err := tx.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("project_id = ? AND state = ?", projectID, model.SubscriptionStateActive).
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// ============================================================
// 期费
// ============================================================

func (r *SubscriptionRepository) CreateInstallment(ctx context.Context, tx *gorm.DB, inst *model.SubscriptionInstallment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(inst).Error
}

func (r *SubscriptionRepository) GetInstallmentByID(ctx context.Context, tx *gorm.DB, id int64) (*model.SubscriptionInstallment, error) {
	if tx == nil {
		tx = r.db
	}
	var inst model.SubscriptionInstallment
	err := tx.WithContext(ctx).Where("id = ?", id).First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstallmentNotFound
		}
		return nil, err
	}
	return &inst, nil
}

func (r *SubscriptionRepository) UpdateInstallmentState(ctx context.Context, tx *gorm.DB, id int64, fromState, toState string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.SubscriptionInstallment{}).
		Where("id = ? AND state = ?", id, fromState).
		Update("state", toState)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInstallmentNotFound
	}
	return nil
}

// MaxInstallmentSeq 当前最大期数，用于追加下一期
func (r *SubscriptionRepository) MaxInstallmentSeq(ctx context.Context, subscriptionID int64) (int, error) {
	var maxSeq *int
	err := r.db.WithContext(ctx).
		Model(&model.SubscriptionInstallment{}).
		Where("subscription_id = ?", subscriptionID).
		Select("MAX(seq)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return 0, nil
	}
	return *maxSeq, nil
}
