package job

import (
	"context"
	"log"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/service"

	"gorm.io/gorm"
)

// DefaultSweepJob 违约扫描任务
// 周期扫描超过支付截止时间仍未结清的中标出价，执行违约递补/流拍重新入池
type DefaultSweepJob struct {
	defaultSvc *service.DefaultService
	stopCh     chan struct{}
	interval   time.Duration
}

func NewDefaultSweepJob(db *gorm.DB, cfg *config.Config) *DefaultSweepJob {
	return &DefaultSweepJob{
		defaultSvc: service.NewDefaultService(db, cfg),
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
	}
}

func (j *DefaultSweepJob) Start(ctx context.Context) {
	log.Println("[DefaultSweepJob] 违约扫描任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DefaultSweepJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[DefaultSweepJob] 任务停止")
			return
		case <-ticker.C:
			handled, err := j.defaultSvc.SweepExpiredWinningBids(ctx)
			if err != nil {
				log.Printf("[DefaultSweepJob] 违约扫描失败: %v", err)
			} else if handled > 0 {
				log.Printf("[DefaultSweepJob] 本轮处理 %d 笔违约", handled)
			}
		}
	}
}

func (j *DefaultSweepJob) Stop() {
	close(j.stopCh)
}
