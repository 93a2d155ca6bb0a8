package routing

import (
	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/providers"
)

// Request 调用方发起的一次逻辑请求。
type Request struct {
	WorkspaceID string           `json:"workspace_id"`
	UserID      string           `json:"user_id"`
	AliasName   string           `json:"alias_name"`
	Capability  alias.Capability `json:"capability,omitempty"`

	Prompt    string         `json:"prompt,omitempty"`
	InputData map[string]any `json:"input_data,omitempty"`
	Options   InvokeOptions  `json:"options,omitempty"`
}

// InvokeOptions 请求级可调参数。
type InvokeOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response 一次逻辑请求的最终结果。
// 调用方要么拿到成功响应（可能带降级说明），要么拿到一个终态错误，
// 永远不会是部分或含糊的结果。
type Response struct {
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	ProviderUsed string          `json:"provider_used"`
	ModelUsed    string          `json:"model_used"`
	Usage        providers.Usage `json:"usage"`
	LatencyMS    int64           `json:"latency_ms"`

	FallbackUsed   bool   `json:"fallback_used"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	RequestID      string `json:"request_id"`
}

// attemptState 单个链路环节的终态。
type attemptState string

const (
	stateKeyMissing    attemptState = "key_missing"
	stateBudgetBlocked attemptState = "budget_blocked"
	stateScopeBlocked  attemptState = "scope_blocked"
	stateRateLimited   attemptState = "rate_limited"
	stateProviderError attemptState = "provider_error"
	stateSuccess       attemptState = "success"
)
