package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// 回调签名校验
// ============================================================================
//
// 网关在 x-signature 头中携带两个字段：
//   x-signature: ts=1704908010,v1=618c8534...
//
// v1 是对如下 manifest 串做 HMAC-SHA256 后的十六进制摘要：
//   id:<dataId>;request-id:<requestId>;ts:<ts>;
//
// 校验失败不应用任何业务效果，但要向网关返回成功，避免其无限重试
// ============================================================================

var (
	ErrSignatureInvalid   = errors.New("回调签名校验失败")
	ErrSignatureMalformed = errors.New("回调签名头格式不合法")
)

// ParseSignatureHeader 解析 x-signature 头，返回 ts 与 v1
func ParseSignatureHeader(header string) (ts string, v1 string, err error) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ts":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == "" || v1 == "" {
		return "", "", ErrSignatureMalformed
	}
	return ts, v1, nil
}

// BuildManifest 拼接签名原文
// 字段顺序与分号结尾都是协议的一部分，不能改
func BuildManifest(dataID, requestID, ts string) string {
	return fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
}

// VerifySignature 校验回调真实性
func VerifySignature(secret, header, dataID, requestID string) error {
	ts, v1, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(BuildManifest(dataID, requestID, ts)))
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal 恒定耗时比较，防止时序侧信道
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return ErrSignatureInvalid
	}
	return nil
}

// ============================================================================
// 免签名通知类型
// ============================================================================

// unsignedAllowedTypes 历史遗留：部分聚合订单类通知不带签名
// 这类通知只携带聚合单ID，这里只允许其被确认接收，
// 绝不允许免签名通知驱动任何支付单状态变化（防止伪造"支付成功"）
var unsignedAllowedTypes = map[string]bool{
	"merchant_order": true,
	"order_summary":  true,
}

func UnsignedTypeAllowed(notificationType string) bool {
	return unsignedAllowedTypes[notificationType]
}
