package openai

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/routeflow/providers"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.openai.com"

// Provider 实现 OpenAI Chat Completions 的适配器。
type Provider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// Option 配置 Provider。
type Option func(*Provider)

// WithBaseURL 覆盖默认的 API 地址（代理或测试用）。
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient 覆盖默认的 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New 创建 OpenAI 适配器。同步文本 API 的超时上限为 30s。
func New(logger *zap.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("provider", "openai")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 实现 providers.Provider。
func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke 实现 providers.Provider。
func (p *Provider) Invoke(ctx context.Context, model, apiKey string, req *providers.Request) (*providers.Response, error) {
	payload := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var out chatResponse
	err := providers.DoJSON(ctx, p.client, p.Name(), http.MethodPost,
		p.baseURL+"/v1/chat/completions", p.headers(apiKey), payload, &out)
	if err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, &providers.Error{
			Code:     providers.ErrUpstreamError,
			Message:  "empty choices in response",
			Provider: p.Name(),
		}
	}

	resp := &providers.Response{Content: out.Choices[0].Message.Content}
	if out.Usage != nil {
		resp.Usage = providers.Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  out.Usage.TotalTokens,
		}
	} else {
		// 个别兼容端点不回传 usage，退化为本地估算
		in := providers.EstimateTokens(model, req.Prompt)
		outTok := providers.EstimateTokens(model, resp.Content)
		resp.Usage = providers.Usage{InputTokens: in, OutputTokens: outTok, TotalTokens: in + outTok}
	}
	return resp, nil
}

// Verify 实现 providers.Provider，用 models 列表做轻量探测。
func (p *Provider) Verify(ctx context.Context, apiKey string) error {
	return providers.DoJSON(ctx, p.client, p.Name(), http.MethodGet,
		p.baseURL+"/v1/models", p.headers(apiKey), nil, nil)
}

func (p *Provider) headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
