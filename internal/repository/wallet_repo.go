package repository

import (
	"context"
	"errors"

	"auctionsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound     = errors.New("竞拍券钱包不存在")
	ErrInsufficientTokens = errors.New("竞拍券余额不足")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Get(ctx context.Context, tx *gorm.DB, userID, projectID int64) (*model.TokenWallet, error) {
	if tx == nil {
		tx = r.db
	}
	var wallet model.TokenWallet
	err := tx.WithContext(ctx).
		Where("user_id = ? AND project_id = ?", userID, projectID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate 查询钱包，不存在则以 0 余额创建
// OnConflict DoNothing 保证并发创建时不报唯一键冲突
func (r *WalletRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID, projectID int64) (*model.TokenWallet, error) {
	if tx == nil {
		tx = r.db
	}
	wallet, err := r.Get(ctx, tx, userID, projectID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.TokenWallet{
		UserID:          userID,
		ProjectID:       projectID,
		TokensAvailable: 0,
	}

	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "project_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, tx, userID, projectID)
}

// Consume 条件扣减一张竞拍券
// 条件更新 tokens_available >= 1，保证余额永不为负：
// 并发扣减同一个只剩 1 张券的钱包时，只有一条 UPDATE 的 RowsAffected 为 1
func (r *WalletRepository) Consume(ctx context.Context, tx *gorm.DB, userID, projectID int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TokenWallet{}).
		Where("user_id = ? AND project_id = ? AND tokens_available >= 1", userID, projectID).
		Updates(map[string]interface{}{
			"tokens_available": gorm.Expr("tokens_available - 1"),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		_, err := r.Get(ctx, tx, userID, projectID)
		if err != nil {
			return err
		}
		return ErrInsufficientTokens
	}

	return nil
}

// Increase 增加竞拍券（发放/返还）
// 返还没有上限校验：用户只可能返还自己合法消耗过的券
func (r *WalletRepository) Increase(ctx context.Context, tx *gorm.DB, userID, projectID int64, count int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.TokenWallet{}).
		Where("user_id = ? AND project_id = ?", userID, projectID).
		Updates(map[string]interface{}{
			"tokens_available": gorm.Expr("tokens_available + ?", count),
			"version":          gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}

	return nil
}

// ============================================================
// 竞拍券流水
// ============================================================

func (r *WalletRepository) CreateLedgerEntry(ctx context.Context, tx *gorm.DB, entry *model.TokenLedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *WalletRepository) ListLedgerEntries(ctx context.Context, userID, projectID int64, page, pageSize int) ([]*model.TokenLedgerEntry, int64, error) {
	var entries []*model.TokenLedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.TokenLedgerEntry{}).
		Where("user_id = ? AND project_id = ?", userID, projectID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}
