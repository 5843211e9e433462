package handler

import (
	"errors"
	"strconv"

	"auctionsystem/internal/config"
	"auctionsystem/internal/gateway"
	"auctionsystem/internal/repository"
	"auctionsystem/internal/service"
	"auctionsystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	bidService       *service.BidService
	walletService    *service.WalletService
	auctionService   *service.AuctionService
	defaultService   *service.DefaultService
	paymentService   *service.PaymentService
	checkoutService  *service.CheckoutService
	reconcileService *service.ReconcileService
	subService       *service.SubscriptionService
	investService    *service.InvestmentService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, gatewayClient *gateway.Client) *Handler {
	return &Handler{
		bidService:       service.NewBidService(db, rdb, cfg),
		walletService:    service.NewWalletService(db, cfg),
		auctionService:   service.NewAuctionService(db, cfg),
		defaultService:   service.NewDefaultService(db, cfg),
		paymentService:   service.NewPaymentService(db, cfg),
		checkoutService:  service.NewCheckoutService(db, rdb, cfg, gatewayClient),
		reconcileService: service.NewReconcileService(db, cfg, gatewayClient),
		subService:       service.NewSubscriptionService(db, cfg),
		investService:    service.NewInvestmentService(db, cfg),
	}
}

// ReconcileService 暴露给停机流程，等待在途补偿退款
func (h *Handler) ReconcileService() *service.ReconcileService {
	return h.reconcileService
}

// writeError 统一的业务错误映射
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrInsufficientTokens):
		response.BusinessError(c, response.CodeInsufficientTokens, err.Error())
	case errors.Is(err, service.ErrAuctionNotActive):
		response.BusinessError(c, response.CodeAuctionNotActive, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrNotOwner):
		response.BusinessError(c, response.CodeNotOwner, err.Error())
	case errors.Is(err, repository.ErrLotNotFound):
		response.BusinessError(c, response.CodeLotNotFound, err.Error())
	case errors.Is(err, repository.ErrTxNotFound):
		response.BusinessError(c, response.CodeTxNotFound, err.Error())
	case errors.Is(err, repository.ErrTxStateInvalid):
		response.BusinessError(c, response.CodeTxStateInvalid, err.Error())
	case errors.Is(err, repository.ErrProjectClosed):
		response.BusinessError(c, response.CodeProjectClosed, err.Error())
	case errors.Is(err, repository.ErrCapacityFull):
		response.BusinessError(c, response.CodeCapacityFull, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 出价相关接口
// ============================================================

// PlaceBid 出价
// POST /api/v1/bid/place
//
// 【关键点】
// 1. 首次出价消耗一张竞拍券，扣券与创建出价在同一事务
// 2. 并发重复提交通过 用户+拍品 维度的分布式锁串行化
func (h *Handler) PlaceBid(c *gin.Context) {
	var req service.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.UserID = currentUserID(c)

	bid, err := h.bidService.PlaceBid(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"bid_no":    bid.BidNo,
		"lot_id":    bid.LotID,
		"amount":    bid.Amount,
		"status":    bid.Status,
		"placed_at": bid.PlacedAt,
	})
}

// GetHighestBid 查询拍品当前领先出价
// GET /api/v1/bid/highest?lot_id=xxx
func (h *Handler) GetHighestBid(c *gin.Context) {
	lotID, err := strconv.ParseInt(c.Query("lot_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "lot_id 参数错误")
		return
	}

	bid, err := h.bidService.HighestActiveBid(c.Request.Context(), lotID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, bid)
}

// ListBids 查询拍品出价列表
// GET /api/v1/bid/list?lot_id=xxx&page=1&page_size=10
func (h *Handler) ListBids(c *gin.Context) {
	lotID, err := strconv.ParseInt(c.Query("lot_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "lot_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	bids, total, err := h.bidService.ListLotBids(c.Request.Context(), lotID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      bids,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 竞拍券相关接口
// ============================================================

// GetWallet 查询竞拍券余额
// GET /api/v1/wallet?project_id=xxx
func (h *Handler) GetWallet(c *gin.Context) {
	projectID, err := strconv.ParseInt(c.Query("project_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "project_id 参数错误")
		return
	}

	wallet, err := h.walletService.GetWallet(c.Request.Context(), currentUserID(c), projectID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"project_id":       wallet.ProjectID,
		"tokens_available": wallet.TokensAvailable,
	})
}

// ============================================================
// 结账与支付查询接口
// ============================================================

// InitiateCheckout 发起结账，返回网关收银台跳转地址
// POST /api/v1/checkout/initiate
func (h *Handler) InitiateCheckout(c *gin.Context) {
	var req struct {
		TxNo string `json:"tx_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.checkoutService.InitiateCheckout(c.Request.Context(), currentUserID(c), req.TxNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GetPaymentStatus 查询支付单状态
// GET /api/v1/payment/status?tx_no=xxx&refresh=true
// refresh=true 时主动回查网关，用于回调丢失后的对账
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	txNo := c.Query("tx_no")
	if txNo == "" {
		response.ParamError(c, "tx_no 参数不能为空")
		return
	}
	refresh := c.Query("refresh") == "true"

	status, err := h.reconcileService.GetStatus(c.Request.Context(), currentUserID(c), txNo, refresh)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, status)
}

// ListPayments 查询本人支付单列表
// GET /api/v1/payment/list?page=1&page_size=10
func (h *Handler) ListPayments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	ptxs, total, err := h.checkoutService.ListUserPayments(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      ptxs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 订阅与投资接口
// ============================================================

// Subscribe 订阅项目，发放初始竞拍券并生成首期期费支付单
// POST /api/v1/project/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	var req struct {
		ProjectID int64 `json:"project_id" binding:"required"`
		FeeAmount int64 `json:"fee_amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.subService.Subscribe(c.Request.Context(), currentUserID(c), req.ProjectID, req.FeeAmount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// BillInstallment 追加下一期期费（运营/计费调度调用）
// POST /api/v1/subscription/bill
func (h *Handler) BillInstallment(c *gin.Context) {
	var req struct {
		SubscriptionID int64 `json:"subscription_id" binding:"required"`
		Amount         int64 `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txNo, err := h.subService.BillInstallment(c.Request.Context(), req.SubscriptionID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"tx_no": txNo})
}

// ReserveInvestment 预定投资份额
// POST /api/v1/investment/reserve
func (h *Handler) ReserveInvestment(c *gin.Context) {
	var req struct {
		ProjectID int64 `json:"project_id" binding:"required"`
		Amount    int64 `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.investService.Reserve(c.Request.Context(), currentUserID(c), req.ProjectID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 运维接口：手动触发各扫描任务
// ============================================================

// TriggerAuctionSweep POST /api/v1/ops/sweep/auction
func (h *Handler) TriggerAuctionSweep(c *gin.Context) {
	opened, err := h.auctionService.OpenDueLots(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	closed, err := h.auctionService.CloseDueLots(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"opened": opened, "closed": closed})
}

// TriggerDefaultSweep POST /api/v1/ops/sweep/default
func (h *Handler) TriggerDefaultSweep(c *gin.Context) {
	handled, err := h.defaultService.SweepExpiredWinningBids(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"handled": handled})
}

// TriggerPaymentExpire POST /api/v1/ops/sweep/expire
func (h *Handler) TriggerPaymentExpire(c *gin.Context) {
	expired, err := h.paymentService.ExpireStale(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"expired": expired})
}
