package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/gateway"
	"auctionsystem/internal/model"
	"auctionsystem/pkg/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testWebhookSecret = "test-webhook-secret"

// fakeGateway 可编程的假支付网关
type fakeGateway struct {
	mu          sync.Mutex
	payments    map[string]*gateway.PaymentSnapshot
	refundCalls int
	refundCode  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		payments:   make(map[string]*gateway.PaymentSnapshot),
		refundCode: http.StatusOK,
	}
}

func (f *fakeGateway) setPayment(snapshot *gateway.PaymentSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[snapshot.ExternalID] = snapshot
}

func (f *fakeGateway) refunds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refundCalls
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/refunds") {
			f.refundCalls++
			w.WriteHeader(f.refundCode)
			fmt.Fprint(w, `{"status":"refunded"}`)
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
		snapshot, ok := f.payments[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(snapshot)
	})
	return mux
}

func newReconcileTestEnv(t *testing.T) (*ReconcileService, *fakeGateway, *gorm.DB, *config.Config) {
	t.Helper()
	db := newTestDB(t)
	cfg := newTestConfig()
	cfg.Gateway.WebhookSecret = testWebhookSecret

	fake := newFakeGateway()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := gateway.NewClient(&config.GatewayConfig{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		TimeoutSeconds: 5,
	})
	return NewReconcileService(db, cfg, client), fake, db, cfg
}

func outboxNotifyCount(t *testing.T, db *gorm.DB, recipientID int64, event string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("message_key = ?", fmt.Sprintf("notify-%d-%s", recipientID, event)).
		Count(&count).Error)
	return count
}

func signHeader(dataID, requestID string) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(gateway.BuildManifest(dataID, requestID, ts)))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// 投资类支付单：确认效果（额度累加）在数据库里直接可见，适合做回调链路的断言对象
func createInvestmentTx(t *testing.T, db *gorm.DB, projectID, userID, amount int64, state string) (*model.Investment, *model.PaymentTransaction) {
	t.Helper()
	invest := &model.Investment{ProjectID: projectID, UserID: userID, Amount: amount, State: model.InvestmentStateReserved}
	require.NoError(t, db.Create(invest).Error)

	extID := fmt.Sprintf("gw-%s", idgen.GenerateRequestNo())
	ptx := &model.PaymentTransaction{
		TxNo:             idgen.GenerateTxNo(),
		OwnerKind:        model.OwnerKindInvestment,
		OwnerID:          invest.ID,
		UserID:           userID,
		Amount:           amount,
		State:            state,
		GatewayReference: &extID,
		Deadline:         time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(ptx).Error)
	return invest, ptx
}

func TestHandleCallback_ConfirmsPayment(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStatePending)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	err := svc.HandleCallback(ctx, &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-1",
		Signature: signHeader(*ptx.GatewayReference, "req-1"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.PayTxStatePaid, reloadTx(t, db, ptx.TxNo).State)

	var p model.Project
	require.NoError(t, db.Where("id = ?", project.ID).First(&p).Error)
	assert.Equal(t, int64(300), p.Raised)
}

func TestHandleCallback_DuplicateIsIdempotent(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStatePending)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	n := &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-dup",
		Signature: signHeader(*ptx.GatewayReference, "req-dup"),
	}
	require.NoError(t, svc.HandleCallback(ctx, n))
	require.NoError(t, svc.HandleCallback(ctx, n))

	// 业务效果只应用一次
	var p model.Project
	require.NoError(t, db.Where("id = ?", project.ID).First(&p).Error)
	assert.Equal(t, int64(300), p.Raised)
	assert.Equal(t, model.PayTxStatePaid, reloadTx(t, db, ptx.TxNo).State)
}

func TestHandleCallback_InvalidSignatureAckedButIgnored(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStatePending)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	// 签名被篡改：确认接收但不应用任何业务效果
	err := svc.HandleCallback(context.Background(), &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-bad",
		Signature: "ts=1704908010,v1=deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, model.PayTxStatePending, reloadTx(t, db, ptx.TxNo).State)
}

func TestHandleCallback_UnsignedTypes(t *testing.T) {
	svc, _, _, _ := newReconcileTestEnv(t)
	ctx := context.Background()

	// 免签名白名单类型：确认接收
	err := svc.HandleCallback(ctx, &Notification{Type: "merchant_order", DataID: "mo-1"})
	require.NoError(t, err)

	// 白名单之外的免签名通知：同样确认接收但完全忽略
	err = svc.HandleCallback(ctx, &Notification{Type: "payment", DataID: "p-1"})
	require.NoError(t, err)
}

func TestHandleCallback_IntermediateStatusIgnored(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStatePending)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "in_process",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	err := svc.HandleCallback(context.Background(), &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-mid",
		Signature: signHeader(*ptx.GatewayReference, "req-mid"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.PayTxStatePending, reloadTx(t, db, ptx.TxNo).State)
}

// 支付单已超时关闭后迟到的支付成功：不翻转状态，原路退款
func TestHandleCallback_LatePaidTriggersRefund(t *testing.T) {
	svc, fake, db, cfg := newReconcileTestEnv(t)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStateExpired)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	err := svc.HandleCallback(ctx, &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-late",
		Signature: signHeader(*ptx.GatewayReference, "req-late"),
	})
	require.NoError(t, err)
	svc.WaitRefunds()

	// 状态不变，退款已发起并成功
	assert.Equal(t, model.PayTxStateExpired, reloadTx(t, db, ptx.TxNo).State)
	assert.Equal(t, 1, fake.refunds())

	var refund model.RefundRecord
	require.NoError(t, db.Where("tx_no = ?", ptx.TxNo).First(&refund).Error)
	assert.Equal(t, model.RefundStatusSucceeded, refund.Status)
	assert.Equal(t, int64(300), refund.Amount)

	// 退款结果通知付款人和运营双方
	assert.Equal(t, int64(1), outboxNotifyCount(t, db, ptx.UserID, "payment_refunded"))
	assert.Equal(t, int64(1), outboxNotifyCount(t, db, cfg.Business.OperatorUserID, "refund_succeeded"))

	// 同一笔的回调重放不会二次退款
	err = svc.HandleCallback(ctx, &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-late-2",
		Signature: signHeader(*ptx.GatewayReference, "req-late-2"),
	})
	require.NoError(t, err)
	svc.WaitRefunds()
	assert.Equal(t, 1, fake.refunds())
}

// 网关返回 409 已退款：视为退款成功
func TestHandleCallback_RefundAlreadyDone(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)
	fake.refundCode = http.StatusConflict

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStateExpired)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	err := svc.HandleCallback(context.Background(), &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-409",
		Signature: signHeader(*ptx.GatewayReference, "req-409"),
	})
	require.NoError(t, err)
	svc.WaitRefunds()

	var refund model.RefundRecord
	require.NoError(t, db.Where("tx_no = ?", ptx.TxNo).First(&refund).Error)
	assert.Equal(t, model.RefundStatusAlreadyRefunded, refund.Status)
}

// 退款被网关拒绝：记录留在表里等待人工跟进，付款人和运营双方都收到通知
func TestHandleCallback_RefundFailureNotifiesBothParties(t *testing.T) {
	svc, fake, db, cfg := newReconcileTestEnv(t)
	fake.refundCode = http.StatusUnprocessableEntity

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStateExpired)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	err := svc.HandleCallback(context.Background(), &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-fail",
		Signature: signHeader(*ptx.GatewayReference, "req-fail"),
	})
	require.NoError(t, err)
	svc.WaitRefunds()

	var refund model.RefundRecord
	require.NoError(t, db.Where("tx_no = ?", ptx.TxNo).First(&refund).Error)
	assert.Equal(t, model.RefundStatusFailed, refund.Status)

	assert.Equal(t, int64(1), outboxNotifyCount(t, db, cfg.Business.OperatorUserID, "refund_failed"))
	assert.Equal(t, int64(1), outboxNotifyCount(t, db, ptx.UserID, "payment_refund_failed"))
	assert.Zero(t, outboxNotifyCount(t, db, ptx.UserID, "payment_refunded"))
}

// 网关侧退款回调：已支付的投资被冲正，额度回退
func TestApplySnapshot_RefundedRevertsPaid(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)
	invest, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStatePending)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})
	require.NoError(t, svc.HandleCallback(ctx, &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-pay",
		Signature: signHeader(*ptx.GatewayReference, "req-pay"),
	}))

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "refunded",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})
	require.NoError(t, svc.HandleCallback(ctx, &Notification{
		Type:      "payment",
		DataID:    *ptx.GatewayReference,
		RequestID: "req-refund",
		Signature: signHeader(*ptx.GatewayReference, "req-refund"),
	}))

	assert.Equal(t, model.PayTxStateReverted, reloadTx(t, db, ptx.TxNo).State)

	var gotInvest model.Investment
	require.NoError(t, db.Where("id = ?", invest.ID).First(&gotInvest).Error)
	assert.Equal(t, model.InvestmentStateCancelled, gotInvest.State)

	var p model.Project
	require.NoError(t, db.Where("id = ?", project.ID).First(&p).Error)
	assert.Zero(t, p.Raised)
}

func TestGetStatus_RefreshPullsGateway(t *testing.T) {
	svc, fake, db, _ := newReconcileTestEnv(t)
	ctx := context.Background()

	project := createTestProject(t, db, 1000)
	_, ptx := createInvestmentTx(t, db, project.ID, 1, 300, model.PayTxStatePending)

	fake.setPayment(&gateway.PaymentSnapshot{
		ExternalID:        *ptx.GatewayReference,
		Status:            "approved",
		ExternalReference: ptx.TxNo,
		Amount:            300,
	})

	// 回调丢失的场景：主动刷新把网关侧状态拉回来
	status, err := svc.GetStatus(ctx, 1, ptx.TxNo, true)
	require.NoError(t, err)
	assert.Equal(t, model.PayTxStatePaid, status.Transaction.State)

	// 非本人查询被拒绝
	_, err = svc.GetStatus(ctx, 999, ptx.TxNo, false)
	assert.ErrorIs(t, err, ErrNotOwner)
}
