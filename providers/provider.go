package providers

import (
	"context"
)

// Request 统一的适配器请求。
// 路由引擎将别名解析出的模型与解密后的密钥一起传入，
// 适配器只负责把该结构翻译成厂商自己的请求格式。
type Request struct {
	Prompt      string         `json:"prompt,omitempty"`
	InputData   map[string]any `json:"input_data,omitempty"`
	Temperature float32        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

// Usage 统一的用量统计，以 USD 计费。
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	MediaUnits   int     `json:"media_units,omitempty"` // 图像/音频等按次计费的单位数
	CostUSD      float64 `json:"cost_estimate_usd"`
}

// Response 统一的适配器响应。
// 文本类能力填充 Content，媒体类能力填充 Data（如 base64 图像）。
type Response struct {
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Usage   Usage          `json:"usage"`
}

// Provider 定义了统一的厂商适配接口。
// 每个外部厂商实现一次；厂商特有的请求/响应形状被隔离在各自的包内。
type Provider interface {
	// Name 返回 Provider 的唯一标识
	Name() string

	// Invoke 使用解密后的密钥调用厂商 API。
	// 非 2xx 响应必须返回 *providers.Error，并正确标记 Retryable。
	Invoke(ctx context.Context, model, apiKey string, req *Request) (*Response, error)

	// Verify 对密钥做一次轻量探测（通常是 models 列表），
	// 用于入库前的有效性验证。
	Verify(ctx context.Context, apiKey string) error
}
