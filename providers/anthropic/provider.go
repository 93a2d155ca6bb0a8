package anthropic

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/routeflow/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// Messages API 要求显式 max_tokens
	defaultMaxTokens = 1024
)

// Provider 实现 Anthropic Messages API 的适配器。
// 与 OpenAI 的差异：认证使用 x-api-key 请求头而非 Bearer Token，
// 响应内容是 content 块列表而非 choices。
type Provider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New 创建 Anthropic 适配器。
func New(logger *zap.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("provider", "anthropic")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []messagesInput `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
}

type messagesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke 实现 providers.Provider。
func (p *Provider) Invoke(ctx context.Context, model, apiKey string, req *providers.Request) (*providers.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []messagesInput{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}

	var out messagesResponse
	err := providers.DoJSON(ctx, p.client, p.Name(), http.MethodPost,
		p.baseURL+"/v1/messages", p.headers(apiKey), payload, &out)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &providers.Response{
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

// Verify 实现 providers.Provider。
func (p *Provider) Verify(ctx context.Context, apiKey string) error {
	return providers.DoJSON(ctx, p.client, p.Name(), http.MethodGet,
		p.baseURL+"/v1/models", p.headers(apiKey), nil, nil)
}

func (p *Provider) headers(apiKey string) map[string]string {
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": apiVersion,
	}
}
