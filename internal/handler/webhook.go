package handler

import (
	"encoding/json"
	"io"

	"auctionsystem/internal/service"

	"github.com/gin-gonic/gin"
)

// ============================================================
// 网关回调接口
// ============================================================
//
// 网关以两种形态投递同一类通知：
//   POST /api/v1/gateway/webhook   JSON body: {"type": "payment", "data": {"id": "..."}}
//   GET  /api/v1/gateway/webhook   query:     ?type=payment&data.id=...
//
// 签名在 x-signature 头，request-id 在 x-request-id 头。
// 签名失败/未知支付单只确认接收（200），避免网关无限重试；
// 只有基础设施错误（数据库、网关回查不可用）才返回 500 让网关重试。

type webhookBody struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// GatewayWebhook 处理网关回调（POST 形态）
func (h *Handler) GatewayWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(400, gin.H{"message": "读取报文失败"})
		return
	}

	var body webhookBody
	// 解析失败也继续：免签名的聚合单通知可能是我们不认识的结构，只需确认接收
	_ = json.Unmarshal(raw, &body)

	n := &service.Notification{
		Type:      body.Type,
		DataID:    body.Data.ID,
		RequestID: c.GetHeader("x-request-id"),
		Signature: c.GetHeader("x-signature"),
		RawBody:   string(raw),
	}
	h.deliver(c, n)
}

// GatewayWebhookQuery 处理网关回调（GET query 形态）
func (h *Handler) GatewayWebhookQuery(c *gin.Context) {
	n := &service.Notification{
		Type:      c.Query("type"),
		DataID:    c.Query("data.id"),
		RequestID: c.GetHeader("x-request-id"),
		Signature: c.GetHeader("x-signature"),
		RawBody:   c.Request.URL.RawQuery,
	}
	if n.DataID == "" {
		n.DataID = c.Query("id")
	}
	h.deliver(c, n)
}

func (h *Handler) deliver(c *gin.Context, n *service.Notification) {
	if err := h.reconcileService.HandleCallback(c.Request.Context(), n); err != nil {
		// 基础设施错误，让网关按自身策略重试
		c.JSON(500, gin.H{"message": "internal error"})
		return
	}
	c.JSON(200, gin.H{"message": "ok"})
}
