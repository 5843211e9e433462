package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"auctionsystem/internal/config"
)

var (
	ErrGatewayUnavailable = errors.New("支付网关暂不可用")
	ErrPaymentNotFound    = errors.New("网关侧支付记录不存在")
	ErrAlreadyRefunded    = errors.New("网关侧已退款")
)

// Client 外部支付网关客户端
// 所有出站调用都带超时；网关不可达属于基础设施错误，由调用方/调度器重试
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// CheckoutRequest 创建收银台请求
type CheckoutRequest struct {
	TxNo        string `json:"external_reference"` // 我方支付单号，回调时原样带回
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	UserID      int64  `json:"user_id"`
}

// CheckoutResponse 收银台跳转信息
type CheckoutResponse struct {
	ExternalID  string `json:"id"`           // 网关侧支付ID
	RedirectURL string `json:"redirect_url"` // 用户跳转地址
}

// CreateCheckout 创建收银台，返回跳转地址
func (c *Client) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	var resp CheckoutResponse
	if err := c.post(ctx, "/v1/checkouts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PaymentSnapshot 网关侧支付快照
type PaymentSnapshot struct {
	ExternalID        string     `json:"id"`
	Status            string     `json:"status"` // 网关原始状态词汇
	ExternalReference string     `json:"external_reference"`
	Amount            int64      `json:"amount"`
	ApprovedAt        *time.Time `json:"approved_at"`
}

// QueryPayment 主动查询网关侧支付状态（强制刷新）
func (c *Client) QueryPayment(ctx context.Context, externalID string) (*PaymentSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/payments/%s", c.baseURL, externalID), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return nil, ErrPaymentNotFound
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: 网关返回 %d", ErrGatewayUnavailable, httpResp.StatusCode)
	}

	var snapshot PaymentSnapshot
	if err := json.NewDecoder(httpResp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("解析网关响应失败: %w", err)
	}
	return &snapshot, nil
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

type refundResponse struct {
	Status string `json:"status"`
}

// Refund 发起全额退款
// 网关返回"已退款"视为成功结果而非错误：重复的补偿退款必须可幂等重放
func (c *Client) Refund(ctx context.Context, externalID string, amount int64) error {
	body, _ := json.Marshal(&refundRequest{Amount: amount})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/payments/%s/refunds", c.baseURL, externalID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		// 409 = 该笔支付已退款
		return ErrAlreadyRefunded
	case http.StatusNotFound:
		return ErrPaymentNotFound
	default:
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("退款请求被网关拒绝: %d %s", httpResp.StatusCode, string(respBody))
	}
}

func (c *Client) post(ctx context.Context, path string, reqBody interface{}, respBody interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: 网关返回 %d", ErrGatewayUnavailable, httpResp.StatusCode)
	}

	return json.NewDecoder(httpResp.Body).Decode(respBody)
}
