package openrouter

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/routeflow/providers"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://openrouter.ai/api"

// Provider 实现 OpenRouter 聚合商的适配器。
// OpenRouter 是 tier-2 聚合商：自身代理多个上游模型厂商，
// 只在别名允许聚合商时才会出现在降级链中。
// 接口与 OpenAI Chat Completions 兼容。
type Provider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New 创建 OpenRouter 适配器。
func New(logger *zap.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("provider", "openrouter")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "openrouter" }

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
		in := providers.EstimateTokens(model, req.Prompt)
		outTok := providers.EstimateTokens(model, resp.Content)
		resp.Usage = providers.Usage{InputTokens: in, OutputTokens: outTok, TotalTokens: in + outTok}
	}
	return resp, nil
}

// Verify 实现 providers.Provider。
func (p *Provider) Verify(ctx context.Context, apiKey string) error {
	return providers.DoJSON(ctx, p.client, p.Name(), http.MethodGet,
		p.baseURL+"/v1/models", p.headers(apiKey), nil, nil)
}

func (p *Provider) headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
