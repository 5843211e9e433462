package job

import (
	"context"
	"log"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/service"

	"gorm.io/gorm"
)

// PaymentExpireJob 支付单超时扫描任务
// 截止时间已过仍停留在 PENDING/FAILED 的支付单关闭为 EXPIRED
type PaymentExpireJob struct {
	paymentSvc *service.PaymentService
	stopCh     chan struct{}
	interval   time.Duration
}

func NewPaymentExpireJob(db *gorm.DB, cfg *config.Config) *PaymentExpireJob {
	return &PaymentExpireJob{
		paymentSvc: service.NewPaymentService(db, cfg),
		stopCh:     make(chan struct{}),
		interval:   time.Minute,
	}
}

func (j *PaymentExpireJob) Start(ctx context.Context) {
	log.Println("[PaymentExpireJob] 支付单超时扫描任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PaymentExpireJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PaymentExpireJob] 任务停止")
			return
		case <-ticker.C:
			expired, err := j.paymentSvc.ExpireStale(ctx)
			if err != nil {
				log.Printf("[PaymentExpireJob] 超时扫描失败: %v", err)
			} else if expired > 0 {
				log.Printf("[PaymentExpireJob] 本轮关闭 %d 笔超时支付单", expired)
			}
		}
	}
}

func (j *PaymentExpireJob) Stop() {
	close(j.stopCh)
}
