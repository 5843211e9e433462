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
	ErrTxNotFound     = errors.New("支付单不存在")
	ErrTxStateInvalid = errors.New("支付单状态不合法")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, ptx *model.PaymentTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(ptx).Error
}

func (r *PaymentRepository) GetByTxNo(ctx context.Context, txNo string) (*model.PaymentTransaction, error) {
	var ptx model.PaymentTransaction
	err := r.db.WithContext(ctx).Where("tx_no = ?", txNo).First(&ptx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return &ptx, nil
}

// GetByTxNoForUpdate 行级锁读取支付单
// 回调可能并发/重复到达，webhook 处理期间必须持有悲观锁，防止业务效果被双重应用
func (r *PaymentRepository) GetByTxNoForUpdate(ctx context.Context, tx *gorm.DB, txNo string) (*model.PaymentTransaction, error) {
	var ptx model.PaymentTransaction
	q := tx.WithContext(ctx)
	// 测试环境的 sqlite 不支持 SELECT ... FOR UPDATE
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("tx_no = ?", txNo).First(&ptx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	return &ptx, nil
}

// GetPendingByOwner 可支付单元当前的待支付单（发起结账时复用）
func (r *PaymentRepository) GetPendingByOwner(ctx context.Context, ownerKind string, ownerID int64) (*model.PaymentTransaction, error) {
	var ptx model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ? AND state = ?", ownerKind, ownerID, model.PayTxStatePending).
		Order("created_at DESC").
		First(&ptx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ptx, nil
}

// GetLatestByOwner 可支付单元最近一张支付单（不限状态）
func (r *PaymentRepository) GetLatestByOwner(ctx context.Context, tx *gorm.DB, ownerKind string, ownerID int64) (*model.PaymentTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var ptx model.PaymentTransaction
	err := tx.WithContext(ctx).
		Where("owner_kind = ? AND owner_id = ?", ownerKind, ownerID).
		Order("created_at DESC").
		First(&ptx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ptx, nil
}

// UpdateState 带状态机校验的 CAS 状态更新
func (r *PaymentRepository) UpdateState(ctx context.Context, tx *gorm.DB, txNo string, fromState, toState string) error {
	if !model.TxCanTransitionTo(fromState, toState) {
		return ErrTxStateInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"state": toState,
	}
	if toState == model.PayTxStatePaid {
		now := time.Now()
		updates["paid_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("tx_no = ? AND state = ?", txNo, fromState).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTxStateInvalid
	}
	return nil
}

// SetGatewayReference 记录网关侧支付ID
func (r *PaymentRepository) SetGatewayReference(ctx context.Context, tx *gorm.DB, txNo string, externalID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("tx_no = ?", txNo).
		Update("gateway_reference", externalID).Error
}

// SetErrorDetail 记录失败/冲正原因
func (r *PaymentRepository) SetErrorDetail(ctx context.Context, tx *gorm.DB, txNo string, detail string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("tx_no = ?", txNo).
		Update("error_detail", detail).Error
}

// GetStale 超时扫描：截止时间已过仍停留在 PENDING/FAILED 的支付单
func (r *PaymentRepository) GetStale(ctx context.Context, before time.Time, limit int) ([]*model.PaymentTransaction, error) {
	var ptxs []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("state IN ? AND deadline < ?", []string{model.PayTxStatePending, model.PayTxStateFailed}, before).
		Limit(limit).
		Find(&ptxs).Error
	return ptxs, err
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentTransaction, int64, error) {
	var ptxs []*model.PaymentTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&ptxs).Error

	return ptxs, total, err
}
