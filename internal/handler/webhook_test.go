package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auctionsystem/internal/config"
	"auctionsystem/internal/gateway"
	"auctionsystem/internal/model"
	"auctionsystem/pkg/idgen"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "test-webhook-secret"

func newWebhookTestEnv(t *testing.T) (*gin.Engine, *gorm.DB, func(status string, extID, txNo string, amount int64)) {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Project{}, &model.Lot{}, &model.Bid{},
		&model.TokenWallet{}, &model.TokenLedgerEntry{},
		&model.PaymentTransaction{}, &model.GatewayPaymentRecord{}, &model.RefundRecord{},
		&model.Investment{}, &model.Subscription{}, &model.SubscriptionInstallment{},
		&model.OutboxMessage{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// 假网关：按 externalID 返回预置的支付快照
	snapshots := make(map[string]string)
	gatewayServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
		body, ok := snapshots[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(gatewayServer.Close)

	cfg := &config.Config{}
	cfg.Gateway = config.GatewayConfig{
		BaseURL:        gatewayServer.URL,
		APIKey:         "test-key",
		WebhookSecret:  testWebhookSecret,
		TimeoutSeconds: 5,
	}
	cfg.Business = config.BusinessConfig{
		PaymentDeadlineHours:   48,
		CheckoutTimeoutMinutes: 30,
		MaxDefaultAttempts:     3,
		InitialTokenGrant:      5,
		SystemSenderID:         1,
		OperatorUserID:         2,
	}

	router, _ := SetupRouter(db, rdb, cfg, gateway.NewClient(&cfg.Gateway))

	setSnapshot := func(status, extID, txNo string, amount int64) {
		snapshots[extID] = fmt.Sprintf(
			`{"id":%q,"status":%q,"external_reference":%q,"amount":%d}`, extID, status, txNo, amount)
	}
	return router, db, setSnapshot
}

func signWebhook(dataID, requestID string) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(gateway.BuildManifest(dataID, requestID, ts)))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func createPendingInvestmentTx(t *testing.T, db *gorm.DB) *model.PaymentTransaction {
	t.Helper()
	project := &model.Project{Name: "测试项目", State: model.ProjectStateOpen, Capacity: 1000}
	require.NoError(t, db.Create(project).Error)
	invest := &model.Investment{ProjectID: project.ID, UserID: 1, Amount: 300, State: model.InvestmentStateReserved}
	require.NoError(t, db.Create(invest).Error)

	extID := "gw-" + idgen.GenerateRequestNo()
	ptx := &model.PaymentTransaction{
		TxNo:             idgen.GenerateTxNo(),
		OwnerKind:        model.OwnerKindInvestment,
		OwnerID:          invest.ID,
		UserID:           1,
		Amount:           300,
		State:            model.PayTxStatePending,
		GatewayReference: &extID,
		Deadline:         time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(ptx).Error)
	return ptx
}

func TestGatewayWebhook_Post(t *testing.T) {
	router, db, setSnapshot := newWebhookTestEnv(t)
	ptx := createPendingInvestmentTx(t, db)
	setSnapshot("approved", *ptx.GatewayReference, ptx.TxNo, 300)

	body, _ := json.Marshal(map[string]interface{}{
		"type": "payment",
		"data": map[string]string{"id": *ptx.GatewayReference},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/webhook", strings.NewReader(string(body)))
	req.Header.Set("x-request-id", "req-post-1")
	req.Header.Set("x-signature", signWebhook(*ptx.GatewayReference, "req-post-1"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var got model.PaymentTransaction
	require.NoError(t, db.Where("tx_no = ?", ptx.TxNo).First(&got).Error)
	assert.Equal(t, model.PayTxStatePaid, got.State)
}

func TestGatewayWebhook_Query(t *testing.T) {
	router, db, setSnapshot := newWebhookTestEnv(t)
	ptx := createPendingInvestmentTx(t, db)
	setSnapshot("approved", *ptx.GatewayReference, ptx.TxNo, 300)

	url := fmt.Sprintf("/api/v1/gateway/webhook?type=payment&data.id=%s", *ptx.GatewayReference)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("x-request-id", "req-get-1")
	req.Header.Set("x-signature", signWebhook(*ptx.GatewayReference, "req-get-1"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var got model.PaymentTransaction
	require.NoError(t, db.Where("tx_no = ?", ptx.TxNo).First(&got).Error)
	assert.Equal(t, model.PayTxStatePaid, got.State)
}

func TestGatewayWebhook_BadSignatureStillAcked(t *testing.T) {
	router, db, setSnapshot := newWebhookTestEnv(t)
	ptx := createPendingInvestmentTx(t, db)
	setSnapshot("approved", *ptx.GatewayReference, ptx.TxNo, 300)

	body := fmt.Sprintf(`{"type":"payment","data":{"id":%q}}`, *ptx.GatewayReference)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/webhook", strings.NewReader(body))
	req.Header.Set("x-request-id", "req-bad")
	req.Header.Set("x-signature", "ts=1704908010,v1=deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 确认接收但不应用业务效果
	assert.Equal(t, http.StatusOK, w.Code)

	var got model.PaymentTransaction
	require.NoError(t, db.Where("tx_no = ?", ptx.TxNo).First(&got).Error)
	assert.Equal(t, model.PayTxStatePending, got.State)
}

func TestGatewayWebhook_UnsignedAggregateAcked(t *testing.T) {
	router, _, _ := newWebhookTestEnv(t)

	// 免签名聚合单通知：报文结构未知也要确认接收
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/webhook",
		strings.NewReader(`{"type":"merchant_order","data":{"id":"mo-1"},"extra":[1,2,3]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
