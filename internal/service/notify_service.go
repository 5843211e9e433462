package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"

	"gorm.io/gorm"
)

// NotifyService 通知能力
// 实际投递（邮件/站内信）由下游消费方完成，这里只负责把通知写入发件箱，
// 随业务事务一起提交；投递失败绝不影响核心业务状态
//
// 发送方身份不是隐式全局量，而是配置项 system_sender_id 显式传入
type NotifyService struct {
	db         *gorm.DB
	cfg        *config.Config
	outboxRepo *repository.OutboxRepository
}

func NewNotifyService(db *gorm.DB, cfg *config.Config) *NotifyService {
	return &NotifyService{
		db:         db,
		cfg:        cfg,
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// Notify 给单个用户发通知
func (s *NotifyService) Notify(ctx context.Context, tx *gorm.DB, recipientID int64, event string, data map[string]interface{}) error {
	payload := map[string]interface{}{
		"sender_id":    s.cfg.Business.SystemSenderID,
		"recipient_id": recipientID,
		"event":        event,
		"data":         data,
		"created_at":   time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("notify-%d-%s", recipientID, event),
		Topic:      s.cfg.Kafka.Topic.Notify,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}

// NotifyOperators 给运营发告警（退款失败等需要人工跟进的场景）
func (s *NotifyService) NotifyOperators(ctx context.Context, tx *gorm.DB, event string, data map[string]interface{}) error {
	return s.Notify(ctx, tx, s.cfg.Business.OperatorUserID, event, data)
}

// EmitAuctionEvent 发布拍卖领域事件（开拍/截拍/违约/流拍）
func (s *NotifyService) EmitAuctionEvent(ctx context.Context, tx *gorm.DB, key string, data map[string]interface{}) error {
	payloadBytes, _ := json.Marshal(data)

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      s.cfg.Kafka.Topic.AuctionEvents,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}
