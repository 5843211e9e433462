package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"auctionsystem/internal/config"
	"auctionsystem/internal/gateway"
	"auctionsystem/internal/model"
	"auctionsystem/internal/repository"
	"auctionsystem/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 网关对账适配器
// ============================================================================
//
// 网关回调只携带网关侧支付ID，金额与状态必须回查网关拿快照，
// 不信任回调报文本身（报文可被重放，查询结果才是权威）。
//
// 【关键点】
// 1. 重复回调幂等：同一 request-id + 同一状态的回调是 no-op
// 2. 签名失败/未知状态只确认接收，绝不应用业务效果
// 3. 业务冲突（超时后迟到的支付成功、额度被抢满）触发补偿退款：
//    钱已被网关扣走但我方无法交付，原路退回
// ============================================================================

// errPaidConflict 支付成功但业务上无法交付，整个事务回滚后走补偿退款
var errPaidConflict = errors.New("支付成功但业务交付失败")

type ReconcileService struct {
	db            *gorm.DB
	cfg           *config.Config
	gatewayClient *gateway.Client
	paymentRepo   *repository.PaymentRepository
	recordRepo    *repository.GatewayRecordRepository
	refundRepo    *repository.RefundRepository
	paymentSvc    *PaymentService
	notifySvc     *NotifyService

	refundWg sync.WaitGroup
}

func NewReconcileService(db *gorm.DB, cfg *config.Config, gatewayClient *gateway.Client) *ReconcileService {
	return &ReconcileService{
		db:            db,
		cfg:           cfg,
		gatewayClient: gatewayClient,
		paymentRepo:   repository.NewPaymentRepository(db),
		recordRepo:    repository.NewGatewayRecordRepository(db),
		refundRepo:    repository.NewRefundRepository(db),
		paymentSvc:    NewPaymentService(db, cfg),
		notifySvc:     NewNotifyService(db, cfg),
	}
}

// Notification 网关回调的入站表示，POST body 与 GET query 两种形态统一到这里
type Notification struct {
	Type      string // 通知类型，如 payment / merchant_order
	DataID    string // 网关侧支付ID
	RequestID string // x-request-id 头
	Signature string // x-signature 头原文
	RawBody   string // 原始报文，留档用
}

// HandleCallback 处理网关回调
//
// 返回 nil 表示应向网关确认接收（HTTP 200）；
// 只有基础设施错误（数据库/网关回查失败）才返回 error，让网关按自身策略重试
func (s *ReconcileService) HandleCallback(ctx context.Context, n *Notification) error {
	if n.Signature == "" {
		if gateway.UnsignedTypeAllowed(n.Type) {
			// 免签名类型只确认接收，不驱动任何支付单状态
			log.Printf("[ReconcileService] 免签名通知已确认接收: type=%s, dataID=%s", n.Type, n.DataID)
			return nil
		}
		log.Printf("[ReconcileService] 缺少签名的回调被忽略: type=%s, dataID=%s", n.Type, n.DataID)
		return nil
	}

	if err := gateway.VerifySignature(s.cfg.Gateway.WebhookSecret, n.Signature, n.DataID, n.RequestID); err != nil {
		// 签名失败只记日志并确认接收，避免网关对伪造报文无限重试
		log.Printf("[ReconcileService] 回调签名校验失败: dataID=%s, requestID=%s, err=%v", n.DataID, n.RequestID, err)
		return nil
	}

	// 回查网关拿权威快照，不信任回调报文里的金额与状态
	snapshot, err := s.gatewayClient.QueryPayment(ctx, n.DataID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			log.Printf("[ReconcileService] 网关侧支付记录不存在: dataID=%s", n.DataID)
			return nil
		}
		return fmt.Errorf("回查网关失败: %w", err)
	}

	return s.ApplySnapshot(ctx, snapshot, n.RequestID, n.RawBody)
}

// ApplySnapshot 将网关支付快照落到内部状态机
// 回调处理与主动刷新共用这条路径
func (s *ReconcileService) ApplySnapshot(ctx context.Context, snapshot *gateway.PaymentSnapshot, requestID, rawPayload string) error {
	mapped, ok := gateway.MapStatus(snapshot.Status)
	if !ok {
		// pending / in_process 等中间态，确认接收等下一次回调
		log.Printf("[ReconcileService] 忽略网关中间态: externalID=%s, status=%s", snapshot.ExternalID, snapshot.Status)
		return nil
	}

	txNo := snapshot.ExternalReference
	var conflictPtx *model.PaymentTransaction

	err := s.db.Transaction(func(tx *gorm.DB) error {
		ptx, err := s.paymentRepo.GetByTxNoForUpdate(ctx, tx, txNo)
		if err != nil {
			if errors.Is(err, repository.ErrTxNotFound) {
				log.Printf("[ReconcileService] 回调指向不存在的支付单: txNo=%s", txNo)
				return nil
			}
			return err
		}

		// 幂等去重：同一 request-id 报同一状态的重复回调不再处理
		record, err := s.recordRepo.GetByTxNo(ctx, tx, txNo)
		if err != nil {
			return err
		}
		if record != nil && record.LastRequestID == requestID && record.RawStatus == snapshot.Status {
			log.Printf("[ReconcileService] 重复回调已忽略: txNo=%s, requestID=%s", txNo, requestID)
			return nil
		}

		if err := s.recordRepo.Upsert(ctx, tx, &model.GatewayPaymentRecord{
			TxNo:          txNo,
			ExternalID:    snapshot.ExternalID,
			RawStatus:     snapshot.Status,
			LastRequestID: requestID,
			ApprovedAt:    snapshot.ApprovedAt,
			RawPayload:    rawPayload,
		}); err != nil {
			return err
		}

		switch mapped {
		case gateway.StatusPaid:
			switch ptx.State {
			case model.PayTxStateFailed, model.PayTxStateExpired, model.PayTxStateReverted:
				// 迟到的支付成功：支付单已关闭，钱必须原路退回
				conflictPtx = ptx
				return errPaidConflict
			}
			if err := s.paymentSvc.Confirm(ctx, tx, ptx); err != nil {
				if errors.Is(err, ErrBusinessRuleConflict) {
					conflictPtx = ptx
					return errPaidConflict
				}
				return err
			}
			log.Printf("[ReconcileService] 支付确认成功: txNo=%s, externalID=%s", txNo, snapshot.ExternalID)
			return nil

		case gateway.StatusFailed:
			return s.paymentSvc.Fail(ctx, tx, ptx, fmt.Sprintf("网关侧支付失败: %s", snapshot.Status))

		case gateway.StatusRefunded:
			if ptx.State == model.PayTxStatePaid {
				return s.paymentSvc.Revert(ctx, tx, ptx, fmt.Sprintf("网关侧退款: %s", snapshot.Status))
			}
			// 未到账就被退款（结账后用户在网关侧撤单），按失败处理
			return s.paymentSvc.Fail(ctx, tx, ptx, fmt.Sprintf("网关侧退款: %s", snapshot.Status))
		}
		return nil
	})

	if errors.Is(err, errPaidConflict) {
		// 业务效果已全部回滚，异步发起补偿退款并确认接收
		s.refundWg.Add(1)
		go func() {
			defer s.refundWg.Done()
			s.issueCompensatingRefund(context.Background(), conflictPtx, snapshot)
		}()
		return nil
	}
	return err
}

// issueCompensatingRefund 补偿退款
// 每次尝试都落一条退款记录，结果不论成败都同时通知付款人与运营；
// 失败的记录留在表里等待人工跟进；
// 网关返回"已退款"视为成功（回调重放会重复触发这里，必须幂等）
func (s *ReconcileService) issueCompensatingRefund(ctx context.Context, ptx *model.PaymentTransaction, snapshot *gateway.PaymentSnapshot) {
	existing, err := s.refundRepo.GetByTxNo(ctx, ptx.TxNo)
	if err != nil {
		log.Printf("[ReconcileService] 查询退款记录失败: txNo=%s, err=%v", ptx.TxNo, err)
		return
	}
	for _, r := range existing {
		if r.Status == model.RefundStatusSucceeded || r.Status == model.RefundStatusAlreadyRefunded {
			// 已经退过了
			return
		}
	}

	record := &model.RefundRecord{
		RefundNo:   idgen.GenerateRefundNo(),
		TxNo:       ptx.TxNo,
		ExternalID: snapshot.ExternalID,
		UserID:     ptx.UserID,
		Amount:     snapshot.Amount,
		Status:     model.RefundStatusPending,
		Reason:     "支付成功但业务交付失败，原路退回",
	}
	if err := s.refundRepo.Create(ctx, nil, record); err != nil {
		log.Printf("[ReconcileService] 创建退款记录失败: txNo=%s, err=%v", ptx.TxNo, err)
		return
	}

	err = s.gatewayClient.Refund(ctx, snapshot.ExternalID, snapshot.Amount)
	switch {
	case err == nil:
		if err := s.refundRepo.UpdateStatus(ctx, record.RefundNo, model.RefundStatusSucceeded, ""); err != nil {
			log.Printf("[ReconcileService] 更新退款记录失败: refundNo=%s, err=%v", record.RefundNo, err)
		}
	case errors.Is(err, gateway.ErrAlreadyRefunded):
		if err := s.refundRepo.UpdateStatus(ctx, record.RefundNo, model.RefundStatusAlreadyRefunded, ""); err != nil {
			log.Printf("[ReconcileService] 更新退款记录失败: refundNo=%s, err=%v", record.RefundNo, err)
		}
	default:
		log.Printf("[ReconcileService] 补偿退款失败: txNo=%s, externalID=%s, err=%v", ptx.TxNo, snapshot.ExternalID, err)
		if err2 := s.refundRepo.UpdateStatus(ctx, record.RefundNo, model.RefundStatusFailed, err.Error()); err2 != nil {
			log.Printf("[ReconcileService] 更新退款记录失败: refundNo=%s, err=%v", record.RefundNo, err2)
		}
		// 退款结果不论成败，付款人和运营双方都要知道
		if err2 := s.notifySvc.NotifyOperators(ctx, nil, "refund_failed", map[string]interface{}{
			"tx_no":       ptx.TxNo,
			"external_id": snapshot.ExternalID,
			"amount":      snapshot.Amount,
			"error":       err.Error(),
		}); err2 != nil {
			log.Printf("[ReconcileService] 退款失败告警投递失败: txNo=%s, err=%v", ptx.TxNo, err2)
		}
		if err2 := s.notifySvc.Notify(ctx, nil, ptx.UserID, "payment_refund_failed", map[string]interface{}{
			"tx_no":  ptx.TxNo,
			"amount": snapshot.Amount,
		}); err2 != nil {
			log.Printf("[ReconcileService] 退款失败通知投递失败: txNo=%s, err=%v", ptx.TxNo, err2)
		}
		return
	}

	if err := s.notifySvc.Notify(ctx, nil, ptx.UserID, "payment_refunded", map[string]interface{}{
		"tx_no":  ptx.TxNo,
		"amount": snapshot.Amount,
	}); err != nil {
		log.Printf("[ReconcileService] 退款通知投递失败: txNo=%s, err=%v", ptx.TxNo, err)
	}
	if err := s.notifySvc.NotifyOperators(ctx, nil, "refund_succeeded", map[string]interface{}{
		"tx_no":       ptx.TxNo,
		"external_id": snapshot.ExternalID,
		"amount":      snapshot.Amount,
	}); err != nil {
		log.Printf("[ReconcileService] 退款成功留痕投递失败: txNo=%s, err=%v", ptx.TxNo, err)
	}
	log.Printf("[ReconcileService] 补偿退款完成: txNo=%s, externalID=%s, amount=%d", ptx.TxNo, snapshot.ExternalID, snapshot.Amount)
}

// WaitRefunds 等待所有在途补偿退款完成，优雅停机时调用
func (s *ReconcileService) WaitRefunds() {
	s.refundWg.Wait()
}

// PaymentStatus 支付单状态查询结果
type PaymentStatus struct {
	Transaction *model.PaymentTransaction `json:"transaction"`
	Refunds     []*model.RefundRecord     `json:"refunds,omitempty"`
}

// GetStatus 查询支付单状态
// refresh=true 时主动回查网关并先把最新快照落库，用于回调丢失后的人工对账
func (s *ReconcileService) GetStatus(ctx context.Context, userID int64, txNo string, refresh bool) (*PaymentStatus, error) {
	ptx, err := s.paymentRepo.GetByTxNo(ctx, txNo)
	if err != nil {
		return nil, err
	}
	if ptx.UserID != userID {
		return nil, ErrNotOwner
	}

	if refresh && ptx.GatewayReference != nil {
		snapshot, err := s.gatewayClient.QueryPayment(ctx, *ptx.GatewayReference)
		if err != nil {
			return nil, err
		}
		requestID := fmt.Sprintf("refresh-%s", idgen.GenerateRequestNo())
		if err := s.ApplySnapshot(ctx, snapshot, requestID, ""); err != nil {
			return nil, err
		}
		// 快照可能推进了状态，重读
		if ptx, err = s.paymentRepo.GetByTxNo(ctx, txNo); err != nil {
			return nil, err
		}
	}

	refunds, err := s.refundRepo.GetByTxNo(ctx, txNo)
	if err != nil {
		return nil, err
	}
	return &PaymentStatus{Transaction: ptx, Refunds: refunds}, nil
}
