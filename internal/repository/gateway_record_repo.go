package repository

import (
	"context"
	"errors"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
)

type GatewayRecordRepository struct {
	db *gorm.DB
}

func NewGatewayRecordRepository(db *gorm.DB) *GatewayRecordRepository {
	return &GatewayRecordRepository{db: db}
}

func (r *GatewayRecordRepository) GetByTxNo(ctx context.Context, tx *gorm.DB, txNo string) (*model.GatewayPaymentRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.GatewayPaymentRecord
	err := tx.WithContext(ctx).Where("tx_no = ?", txNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Upsert 保存最新的网关支付快照
// 与支付单一一对应：首次回调插入，后续回调原地覆盖
func (r *GatewayRecordRepository) Upsert(ctx context.Context, tx *gorm.DB, record *model.GatewayPaymentRecord) error {
	if tx == nil {
		tx = r.db
	}

	existing, err := r.GetByTxNo(ctx, tx, record.TxNo)
	if err != nil {
		return err
	}

	if existing == nil {
		return tx.WithContext(ctx).Create(record).Error
	}

	return tx.WithContext(ctx).
		Model(&model.GatewayPaymentRecord{}).
		Where("tx_no = ?", record.TxNo).
		Updates(map[string]interface{}{
			"external_id":     record.ExternalID,
			"raw_status":      record.RawStatus,
			"last_request_id": record.LastRequestID,
			"approved_at":     record.ApprovedAt,
			"raw_payload":     record.RawPayload,
		}).Error
}
