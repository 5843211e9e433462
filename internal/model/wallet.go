package model

import (
	"time"
)

// TokenWallet 竞拍券钱包
// 按 (用户, 项目) 维度记录可用竞拍券数量，是出价准入的核心数据
// 用户订阅项目时创建；首次出价扣减一张，违约/落选时返还
type TokenWallet struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"uniqueIndex:uk_user_project;not null" json:"user_id"`    // 用户ID
	ProjectID       int64     `gorm:"uniqueIndex:uk_user_project;not null" json:"project_id"` // 项目ID
	TokensAvailable int64     `gorm:"not null;default:0" json:"tokens_available"`             // 可用竞拍券数量，永不为负
	Version         int       `gorm:"not null;default:0" json:"version"`                      // 乐观锁版本号
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TokenWallet) TableName() string {
	return "token_wallet"
}

// ============================================================================
// 竞拍券流水
// ============================================================================

const (
	TokenEntryTypeGrant   = "GRANT"   // 发放（订阅项目）
	TokenEntryTypeConsume = "CONSUME" // 消耗（首次出价）
	TokenEntryTypeRefund  = "REFUND"  // 返还（违约/流拍）
)

// TokenLedgerEntry 竞拍券流水表
// 记录钱包的每一次变动，是对账的核心依据
//
// 流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每笔流水记录变动前后余额 —— 便于校验余额一致性
type TokenLedgerEntry struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	UserID       int64     `gorm:"index;not null" json:"user_id"`
	ProjectID    int64     `gorm:"index;not null" json:"project_id"`
	LotID        int64     `gorm:"index" json:"lot_id"`                       // 关联拍品（发放时为0）
	Delta        int64     `gorm:"not null" json:"delta"`                     // 变动数量（正数入账，负数出账）
	Type         string    `gorm:"type:varchar(20);not null" json:"type"`     // 流水类型
	TokensBefore int64     `gorm:"not null" json:"tokens_before"`             // 变动前余额
	TokensAfter  int64     `gorm:"not null" json:"tokens_after"`              // 变动后余额
	Remark       string    `gorm:"type:varchar(256)" json:"remark"`           // 备注
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TokenLedgerEntry) TableName() string {
	return "token_ledger_entry"
}
