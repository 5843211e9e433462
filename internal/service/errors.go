package service

import (
	"errors"
)

// 业务规则类错误：直接返回给调用方，不重试
// 基础设施类错误一律用 %w 包装后上抛，由调用方/调度器重试
var (
	ErrAuctionNotActive = errors.New("拍品不在竞拍中")
	ErrInvalidAmount    = errors.New("金额必须大于0")
	ErrNotOwner         = errors.New("无权操作他人的记录")

	// ErrBusinessRuleConflict 支付确认时业务前置条件已失效
	// （拍品已递补、项目已满额/已关闭），触发补偿退款流程
	ErrBusinessRuleConflict = errors.New("业务前置条件已失效")
)
