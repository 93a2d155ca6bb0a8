package providers

import "fmt"

// 统一的适配器错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "PROVIDER_INVALID_REQUEST"  // 参数/格式错误
	ErrUnauthorized    ErrorCode = "PROVIDER_UNAUTHORIZED"     // 未授权或密钥失效
	ErrForbidden       ErrorCode = "PROVIDER_FORBIDDEN"        // 权限或内容策略拒绝
	ErrRateLimited     ErrorCode = "PROVIDER_RATE_LIMITED"     // 上游限流
	ErrQuotaExceeded   ErrorCode = "PROVIDER_QUOTA_EXCEEDED"   // 额度/配额用尽
	ErrUpstreamTimeout ErrorCode = "PROVIDER_UPSTREAM_TIMEOUT" // 上游超时/轮询超限
	ErrUpstreamError   ErrorCode = "PROVIDER_UPSTREAM_ERROR"   // 上游 5xx/网络错误
	ErrNotRegistered   ErrorCode = "PROVIDER_NOT_REGISTERED"   // 配置引用了未注册的 Provider
)

// Error 是所有适配器必须返回的类型化错误。
// Retryable 区分可重试（5xx、429）与不可重试（其余 4xx）两类失败。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return e.Message
}

// Timeout 构造轮询/等待超限错误。
func Timeout(provider, msg string) *Error {
	return &Error{
		Code:      ErrUpstreamTimeout,
		Message:   msg,
		Retryable: true,
		Provider:  provider,
	}
}
