package model

import (
	"time"
)

const (
	BidStatusActive         = "ACTIVE"          // 有效出价，参与排名
	BidStatusWinningPending = "WINNING_PENDING" // 中标待支付；同一拍品同一时刻至多一条
	BidStatusDefaulted      = "DEFAULTED"       // 中标后未按期支付，已违约
	BidStatusLost           = "LOST"            // 落选（中标人完成支付后标记）
)

// Bid 出价记录表
// 出价一经落库金额不可修改；重新出价新增一行，保留完整审计历史
type Bid struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BidNo     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"bid_no"`
	LotID     int64     `gorm:"index:idx_lot_status;not null" json:"lot_id"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	Amount    int64     `gorm:"not null" json:"amount"`                                      // 出价金额（分），落库后不可变
	Status    string    `gorm:"type:varchar(20);index:idx_lot_status;not null" json:"status"`
	PlacedAt  time.Time `gorm:"not null;index" json:"placed_at"`                             // 出价时间，金额相同时先出价者优先
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Bid) TableName() string {
	return "bid"
}
