package model

import (
	"time"
)

const (
	ProjectStateOpen   = "OPEN"   // 募集中，可订阅/可投资
	ProjectStateClosed = "CLOSED" // 已关闭，迟到的支付确认一律冲正退款
)

// Project 项目表
// 拍品与投资额度的归属单位；Capacity 用于投资确认时的满额校验
type Project struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(128);not null" json:"name"`
	State     string    `gorm:"type:varchar(20);index;not null;default:OPEN" json:"state"`
	Capacity  int64     `gorm:"not null" json:"capacity"` // 投资额度上限（分）
	Raised    int64     `gorm:"not null;default:0" json:"raised"` // 已确认投资额（分），只在支付确认时累加
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}

// ============================================================================
// 投资
// ============================================================================

const (
	InvestmentStateReserved  = "RESERVED"  // 已预定，等待支付确认
	InvestmentStateGranted   = "GRANTED"   // 支付确认后生效
	InvestmentStateCancelled = "CANCELLED" // 支付失败或冲正后取消
)

// Investment 投资记录表
// owner_kind = INVESTMENT 的支付单确认后，将其从 RESERVED 置为 GRANTED 并累加项目已募金额
type Investment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID int64     `gorm:"index;not null" json:"project_id"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	Amount    int64     `gorm:"not null" json:"amount"`
	State     string    `gorm:"type:varchar(20);index;not null;default:RESERVED" json:"state"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Investment) TableName() string {
	return "investment"
}

// ============================================================================
// 订阅与期费
// ============================================================================

const (
	SubscriptionStateActive    = "ACTIVE"
	SubscriptionStateCancelled = "CANCELLED" // 首期期费支付失败时取消
)

// Subscription 项目订阅表
// 订阅时发放初始竞拍券并创建首期期费支付单；首期支付失败则整个订阅取消
type Subscription struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID int64     `gorm:"uniqueIndex:uk_sub_user_project;not null" json:"project_id"`
	UserID    int64     `gorm:"uniqueIndex:uk_sub_user_project;not null" json:"user_id"`
	State     string    `gorm:"type:varchar(20);index;not null;default:ACTIVE" json:"state"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

const (
	InstallmentStatePending = "PENDING"
	InstallmentStatePaid    = "PAID"
	InstallmentStateFailed  = "FAILED" // 非首期失败只标记本期，订阅保持有效
)

// SubscriptionInstallment 订阅期费表
// 期费金额由外部计费模块算出后传入，这里只负责收款与状态
type SubscriptionInstallment struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SubscriptionID int64     `gorm:"uniqueIndex:uk_sub_seq;not null" json:"subscription_id"`
	Seq            int       `gorm:"uniqueIndex:uk_sub_seq;not null" json:"seq"` // 期数，1 为首期
	Amount         int64     `gorm:"not null" json:"amount"`
	State          string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"state"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SubscriptionInstallment) TableName() string {
	return "subscription_installment"
}
