package model

import (
	"time"
)

// ============================================================================
// 支付单状态机
// ============================================================================

const (
	PayTxStatePending  = "PENDING"  // 待支付
	PayTxStatePaid     = "PAID"     // 已支付（业务效果已应用，且只应用一次）
	PayTxStateFailed   = "FAILED"   // 支付失败
	PayTxStateExpired  = "EXPIRED"  // 超时关闭（从未应用过业务效果）
	PayTxStateReverted = "REVERTED" // 冲正（已支付后的补偿逆转，终态）
)

// ValidTxTransitions 支付单状态只能前进
// 唯一的"回退"是 PAID -> REVERTED 补偿冲正；FAILED 对确认而言是终态，只能被超时扫描关闭
var ValidTxTransitions = map[string][]string{
	PayTxStatePending: {PayTxStatePaid, PayTxStateFailed, PayTxStateExpired},
	PayTxStateFailed:  {PayTxStateExpired},
	PayTxStatePaid:    {PayTxStateReverted},
}

func TxCanTransitionTo(currentState, targetState string) bool {
	allowed, exists := ValidTxTransitions[currentState]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetState {
			return true
		}
	}
	return false
}

// ============================================================================
// 可支付单元类型
// ============================================================================

const (
	OwnerKindBidSettlement   = "BID_SETTLEMENT"   // 中标结算
	OwnerKindInvestment      = "INVESTMENT"       // 一次性投资
	OwnerKindSubscriptionFee = "SUBSCRIPTION_FEE" // 订阅期费
)

// PaymentTransaction 支付单表
// 所有可支付单元（中标结算/投资/订阅期费）共用一张表，通过 OwnerKind 分发确认后的业务效果
type PaymentTransaction struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TxNo             string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"tx_no"`      // 支付单号，作为回调中的业务引用
	OwnerKind        string     `gorm:"type:varchar(32);index:idx_owner;not null" json:"owner_kind"`
	OwnerID          int64      `gorm:"index:idx_owner;not null" json:"owner_id"`                // 指向出价/投资/期费记录
	UserID           int64      `gorm:"index;not null" json:"user_id"`                           // 付款人
	Amount           int64      `gorm:"not null" json:"amount"`                                  // 金额（分）
	State            string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"state"`
	GatewayReference *string    `gorm:"type:varchar(64);index" json:"gateway_reference"`         // 网关侧支付ID，可空
	ErrorDetail      *string    `gorm:"type:varchar(512)" json:"error_detail"`                   // 失败/冲正原因，可空
	Deadline         time.Time  `gorm:"not null;index" json:"deadline"`                          // 支付截止时间，过期未支付视为违约/放弃
	PaidAt           *time.Time `json:"paid_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}

// GatewayPaymentRecord 网关支付快照表
// 与支付单一一对应，保存最近一次外部回调/查询的原始数据
// 同时充当重复回调的幂等判重依据（相同 request_id + 相同原始状态 = 重复投递）
type GatewayPaymentRecord struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TxNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"tx_no"`
	ExternalID    string     `gorm:"type:varchar(64);index;not null" json:"external_id"`    // 网关侧支付ID
	RawStatus     string     `gorm:"type:varchar(32);not null" json:"raw_status"`           // 网关原始状态词汇
	LastRequestID string     `gorm:"type:varchar(64);not null" json:"last_request_id"`      // 最近一次回调的 request-id
	ApprovedAt    *time.Time `json:"approved_at"`
	RawPayload    string     `gorm:"type:text" json:"raw_payload"`                          // 原始报文，审计用
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GatewayPaymentRecord) TableName() string {
	return "gateway_payment_record"
}

// ============================================================================
// 补偿退款
// ============================================================================

const (
	RefundStatusPending         = "PENDING"          // 已发起，等待网关结果
	RefundStatusSucceeded       = "SUCCEEDED"        // 网关退款成功
	RefundStatusAlreadyRefunded = "ALREADY_REFUNDED" // 网关返回已退款，视为成功
	RefundStatusFailed          = "FAILED"           // 自动退款失败，等待人工跟进
)

// RefundRecord 补偿退款记录表
// 迟到的支付确认与业务前置条件冲突时（拍品已递补/项目已满额），必须发起全额退款
// 每次退款尝试及其结果都落库，失败的退款保留在表中供人工跟进，绝不丢弃
type RefundRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RefundNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"refund_no"`
	TxNo        string    `gorm:"type:varchar(64);index;not null" json:"tx_no"`
	ExternalID  string    `gorm:"type:varchar(64);not null" json:"external_id"` // 网关侧支付ID
	UserID      int64     `gorm:"index;not null" json:"user_id"`
	Amount      int64     `gorm:"not null" json:"amount"`
	Status      string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	Reason      string    `gorm:"type:varchar(256)" json:"reason"`
	ErrorDetail string    `gorm:"type:varchar(512)" json:"error_detail"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RefundRecord) TableName() string {
	return "refund_record"
}
