package gateway

// 内部状态词汇
// 网关的原始状态词表通过固定映射收敛为三类，未知状态一律忽略（确认接收但不处理）
const (
	StatusPaid     = "PAID"     // 支付成功
	StatusFailed   = "FAILED"   // 支付失败，可重试
	StatusRefunded = "REFUNDED" // 网关侧已退款
)

// statusMapping 网关原始状态 -> 内部状态
var statusMapping = map[string]string{
	"approved":     StatusPaid,
	"accredited":   StatusPaid,
	"rejected":     StatusFailed,
	"cancelled":    StatusFailed,
	"cc_rejected":  StatusFailed,
	"refunded":     StatusRefunded,
	"charged_back": StatusRefunded,
}

// MapStatus 映射网关状态；ok=false 表示未知或中间态（pending/in_process 等），忽略
func MapStatus(rawStatus string) (string, bool) {
	mapped, ok := statusMapping[rawStatus]
	return mapped, ok
}
