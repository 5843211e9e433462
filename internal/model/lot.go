package model

import (
	"time"
)

const (
	LotStatePending = "PENDING" // 待拍：等待开拍或流拍后重新入池
	LotStateActive  = "ACTIVE"  // 竞拍中：可以出价
	LotStateClosed  = "CLOSED"  // 已截拍：已选出中标人或无人出价
)

// ValidLotTransitions 拍品状态机
// CLOSED -> PENDING 仅由违约处理引擎触发（中标人违约且无人递补时重新入池）
var ValidLotTransitions = map[string][]string{
	LotStatePending: {LotStateActive},
	LotStateActive:  {LotStateClosed},
	LotStateClosed:  {LotStatePending},
}

func LotCanTransitionTo(currentState, targetState string) bool {
	allowed, exists := ValidLotTransitions[currentState]
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

// Lot 拍品表
// 一个拍品对应一次竞拍周期；只做逻辑下架（Active=false），不做物理删除
type Lot struct {
	ID                  int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID           int64      `gorm:"index;not null" json:"project_id"`
	Name                string     `gorm:"type:varchar(128);not null" json:"name"`
	BasePrice           int64      `gorm:"not null" json:"base_price"`                              // 起拍价（分）
	AuctionState        string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"auction_state"`
	StartTime           time.Time  `gorm:"not null" json:"start_time"`                              // 开拍时间
	EndTime             time.Time  `gorm:"not null" json:"end_time"`                                // 截拍时间
	WinnerUserID        *int64     `gorm:"index" json:"winner_user_id"`                             // 当前中标人，可空
	DefaultAttemptCount int        `gorm:"not null;default:0" json:"default_attempt_count"`         // 违约递补次数，达到上限后重新入池并清零
	Active              bool       `gorm:"not null;default:true" json:"active"`                     // 逻辑下架标记
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Lot) TableName() string {
	return "lot"
}
