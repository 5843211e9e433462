package repository

import (
	"context"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
)

type RefundRepository struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) *RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) Create(ctx context.Context, tx *gorm.DB, record *model.RefundRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

// UpdateStatus 更新退款结果
// 只追加结果，不删除记录：失败的退款必须留在表里供人工跟进
func (r *RefundRepository) UpdateStatus(ctx context.Context, refundNo string, status string, errorDetail string) error {
	return r.db.WithContext(ctx).
		Model(&model.RefundRecord{}).
		Where("refund_no = ?", refundNo).
		Updates(map[string]interface{}{
			"status":       status,
			"error_detail": errorDetail,
		}).Error
}

func (r *RefundRepository) GetByTxNo(ctx context.Context, txNo string) ([]*model.RefundRecord, error) {
	var records []*model.RefundRecord
	err := r.db.WithContext(ctx).
		Where("tx_no = ?", txNo).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// GetFailed 需要人工跟进的退款
func (r *RefundRepository) GetFailed(ctx context.Context, limit int) ([]*model.RefundRecord, error) {
	var records []*model.RefundRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", model.RefundStatusFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
