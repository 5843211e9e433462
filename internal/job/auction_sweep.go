package job

import (
	"context"
	"log"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/service"

	"gorm.io/gorm"
)

// AuctionSweepJob 拍卖生命周期调度
// 周期扫描到点的拍品：开拍 PENDING -> ACTIVE，截拍 ACTIVE -> CLOSED
// 状态迁移全部走 CAS，多实例部署时重复扫描无副作用
type AuctionSweepJob struct {
	auctionSvc *service.AuctionService
	stopCh     chan struct{}
	interval   time.Duration
}

func NewAuctionSweepJob(db *gorm.DB, cfg *config.Config) *AuctionSweepJob {
	return &AuctionSweepJob{
		auctionSvc: service.NewAuctionService(db, cfg),
		stopCh:     make(chan struct{}),
		interval:   5 * time.Second,
	}
}

func (j *AuctionSweepJob) Start(ctx context.Context) {
	log.Println("[AuctionSweepJob] 拍卖调度任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AuctionSweepJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[AuctionSweepJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *AuctionSweepJob) Stop() {
	close(j.stopCh)
}

func (j *AuctionSweepJob) sweep(ctx context.Context) {
	opened, err := j.auctionSvc.OpenDueLots(ctx)
	if err != nil {
		log.Printf("[AuctionSweepJob] 开拍扫描失败: %v", err)
	} else if opened > 0 {
		log.Printf("[AuctionSweepJob] 本轮开拍 %d 个拍品", opened)
	}

	closed, err := j.auctionSvc.CloseDueLots(ctx)
	if err != nil {
		log.Printf("[AuctionSweepJob] 截拍扫描失败: %v", err)
	} else if closed > 0 {
		log.Printf("[AuctionSweepJob] 本轮截拍 %d 个拍品", closed)
	}
}
