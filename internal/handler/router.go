package handler

import (
	"auctionsystem/internal/config"
	"auctionsystem/internal/gateway"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, gatewayClient *gateway.Client) (*gin.Engine, *Handler) {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, gatewayClient)

	api := r.Group("/api/v1")

	// 网关回调不走身份中间件，靠签名校验
	gatewayGroup := api.Group("/gateway")
	{
		gatewayGroup.POST("/webhook", h.GatewayWebhook)
		gatewayGroup.GET("/webhook", h.GatewayWebhookQuery)
	}

	// 公开查询
	api.GET("/bid/highest", h.GetHighestBid)
	api.GET("/bid/list", h.ListBids)

	// 需要身份的业务接口
	authed := api.Group("")
	authed.Use(AuthMiddleware())
	{
		authed.POST("/bid/place", h.PlaceBid)
		authed.GET("/wallet", h.GetWallet)

		authed.POST("/checkout/initiate", h.InitiateCheckout)
		authed.GET("/payment/status", h.GetPaymentStatus)
		authed.GET("/payment/list", h.ListPayments)

		authed.POST("/project/subscribe", h.Subscribe)
		authed.POST("/investment/reserve", h.ReserveInvestment)
	}

	// 运维接口：手动触发扫描、期费追加
	ops := api.Group("/ops")
	ops.Use(AuthMiddleware())
	{
		ops.POST("/sweep/auction", h.TriggerAuctionSweep)
		ops.POST("/sweep/default", h.TriggerDefaultSweep)
		ops.POST("/sweep/expire", h.TriggerPaymentExpire)
		ops.POST("/subscription/bill", h.BillInstallment)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r, h
}
