package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/routeflow/providers"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Provider 实现 Google Gemini generateContent 的适配器。
// 认证通过 key 查询参数传递，与 OpenAI/Anthropic 的请求头方式不同。
type Provider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New 创建 Gemini 适配器。
func New(logger *zap.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("provider", "gemini")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Invoke 实现 providers.Provider。
func (p *Provider) Invoke(ctx context.Context, model, apiKey string, req *providers.Request) (*providers.Response, error) {
	payload := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		payload.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))

	var out generateResponse
	err := providers.DoJSON(ctx, p.client, p.Name(), http.MethodPost, endpoint, nil, payload, &out)
	if err != nil {
		return nil, err
	}

	if len(out.Candidates) == 0 {
		return nil, &providers.Error{
			Code:     providers.ErrUpstreamError,
			Message:  "empty candidates in response",
			Provider: p.Name(),
		}
	}

	var sb strings.Builder
	for _, pt := range out.Candidates[0].Content.Parts {
		sb.WriteString(pt.Text)
	}

	resp := &providers.Response{Content: sb.String()}
	if out.UsageMetadata != nil {
		resp.Usage = providers.Usage{
			InputTokens:  out.UsageMetadata.PromptTokenCount,
			OutputTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  out.UsageMetadata.TotalTokenCount,
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
	endpoint := fmt.Sprintf("%s/v1beta/models?key=%s", p.baseURL, url.QueryEscape(apiKey))
	return providers.DoJSON(ctx, p.client, p.Name(), http.MethodGet, endpoint, nil, nil, nil)
}
