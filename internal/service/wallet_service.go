package service

import (
	"context"
	"errors"
	"fmt"

	"auctionsystem/internal/config"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"
	"auctionsystem/pkg/idgen"

	"gorm.io/gorm"
)

// WalletService 竞拍券台账
// 钱包变动必须与触发它的出价/违约处理落在同一个事务里，避免部分生效
type WalletService struct {
	db         *gorm.DB
	cfg        *config.Config
	walletRepo *repository.WalletRepository
	bidRepo    *repository.BidRepository
}

func NewWalletService(db *gorm.DB, cfg *config.Config) *WalletService {
	return &WalletService{
		db:         db,
		cfg:        cfg,
		walletRepo: repository.NewWalletRepository(db),
		bidRepo:    repository.NewBidRepository(db),
	}
}

// ConsumeTokenIfAbsent 首次出价扣券
// 用户在该拍品上已有历史出价则不再扣券（每用户每拍品只消耗一张券）
// 返回值表示本次是否真正扣了券
func (s *WalletService) ConsumeTokenIfAbsent(ctx context.Context, tx *gorm.DB, userID, projectID, lotID int64) (bool, error) {
	count, err := s.bidRepo.CountByLotAndUser(ctx, tx, lotID, userID)
	if err != nil {
		return false, fmt.Errorf("查询历史出价失败: %w", err)
	}
	if count > 0 {
		// 非首次出价，不扣券
		return false, nil
	}

	wallet, err := s.walletRepo.Get(ctx, tx, userID, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return false, repository.ErrInsufficientTokens
		}
		return false, err
	}

	if err := s.walletRepo.Consume(ctx, tx, userID, projectID); err != nil {
		return false, err
	}

	entry := &model.TokenLedgerEntry{
		EntryNo:      idgen.GenerateEntryNo(),
		UserID:       userID,
		ProjectID:    projectID,
		LotID:        lotID,
		Delta:        -1,
		Type:         model.TokenEntryTypeConsume,
		TokensBefore: wallet.TokensAvailable,
		TokensAfter:  wallet.TokensAvailable - 1,
		Remark:       fmt.Sprintf("首次出价扣券-拍品%d", lotID),
	}
	if err := s.walletRepo.CreateLedgerEntry(ctx, tx, entry); err != nil {
		return false, fmt.Errorf("记录竞拍券流水失败: %w", err)
	}

	return true, nil
}

// RefundToken 返还一张竞拍券（违约/落选）
// 返还永远成功：用户只可能返还自己合法消耗过的券，不设上限校验
func (s *WalletService) RefundToken(ctx context.Context, tx *gorm.DB, userID, projectID, lotID int64, remark string) error {
	wallet, err := s.walletRepo.Get(ctx, tx, userID, projectID)
	if err != nil {
		return err
	}

	if err := s.walletRepo.Increase(ctx, tx, userID, projectID, 1); err != nil {
		return err
	}

	entry := &model.TokenLedgerEntry{
		EntryNo:      idgen.GenerateEntryNo(),
		UserID:       userID,
		ProjectID:    projectID,
		LotID:        lotID,
		Delta:        1,
		Type:         model.TokenEntryTypeRefund,
		TokensBefore: wallet.TokensAvailable,
		TokensAfter:  wallet.TokensAvailable + 1,
		Remark:       remark,
	}
	if err := s.walletRepo.CreateLedgerEntry(ctx, tx, entry); err != nil {
		return fmt.Errorf("记录竞拍券流水失败: %w", err)
	}
	return nil
}

// ReclaimToken 冲正时回收落选返还的券（尽力而为）
// 用户可能已在别处用掉，余额不足时放弃回收，只记日志，绝不把余额打成负数
func (s *WalletService) ReclaimToken(ctx context.Context, tx *gorm.DB, userID, projectID, lotID int64) error {
	wallet, err := s.walletRepo.Get(ctx, tx, userID, projectID)
	if err != nil {
		return err
	}

	if err := s.walletRepo.Consume(ctx, tx, userID, projectID); err != nil {
		if errors.Is(err, repository.ErrInsufficientTokens) {
			return repository.ErrInsufficientTokens
		}
		return err
	}

	entry := &model.TokenLedgerEntry{
		EntryNo:      idgen.GenerateEntryNo(),
		UserID:       userID,
		ProjectID:    projectID,
		LotID:        lotID,
		Delta:        -1,
		Type:         model.TokenEntryTypeConsume,
		TokensBefore: wallet.TokensAvailable,
		TokensAfter:  wallet.TokensAvailable - 1,
		Remark:       fmt.Sprintf("结算冲正回收落选返还-拍品%d", lotID),
	}
	return s.walletRepo.CreateLedgerEntry(ctx, tx, entry)
}

// GrantTokens 发放竞拍券（订阅项目时）
func (s *WalletService) GrantTokens(ctx context.Context, tx *gorm.DB, userID, projectID, count int64) error {
	if count <= 0 {
		return ErrInvalidAmount
	}

	wallet, err := s.walletRepo.GetOrCreate(ctx, tx, userID, projectID)
	if err != nil {
		return err
	}

	if err := s.walletRepo.Increase(ctx, tx, userID, projectID, count); err != nil {
		return err
	}

	entry := &model.TokenLedgerEntry{
		EntryNo:      idgen.GenerateEntryNo(),
		UserID:       userID,
		ProjectID:    projectID,
		Delta:        count,
		Type:         model.TokenEntryTypeGrant,
		TokensBefore: wallet.TokensAvailable,
		TokensAfter:  wallet.TokensAvailable + count,
		Remark:       "订阅项目发放竞拍券",
	}
	return s.walletRepo.CreateLedgerEntry(ctx, tx, entry)
}

func (s *WalletService) GetWallet(ctx context.Context, userID, projectID int64) (*model.TokenWallet, error) {
	return s.walletRepo.GetOrCreate(ctx, nil, userID, projectID)
}
