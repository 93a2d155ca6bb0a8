package stability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/routeflow/providers"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.stability.ai"

// Provider 实现 Stability 异步图像生成的适配器。
// 这是 job 式 API：提交后拿到任务 ID，轮询结果端点直到终态。
// 轮询有上限；超过上限返回超时错误而不是无限等待。
// 图像按次计费，usage 以 MediaUnits 表示。
type Provider struct {
	baseURL      string
	client       *http.Client
	logger       *zap.Logger
	pollInterval time.Duration
	maxWait      time.Duration
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithPolling 覆盖轮询间隔与等待上限。
func WithPolling(interval, maxWait time.Duration) Option {
	return func(p *Provider) {
		p.pollInterval = interval
		p.maxWait = maxWait
	}
}

// New 创建 Stability 适配器。
func New(logger *zap.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		baseURL:      defaultBaseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With(zap.String("provider", "stability")),
		pollInterval: 2 * time.Second,
		maxWait:      2 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "stability" }

type generateRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

type generateAccepted struct {
	ID string `json:"id"`
}

type resultResponse struct {
	Status       string `json:"status"` // in-progress / succeeded / failed
	Image        string `json:"image,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Errors       []any  `json:"errors,omitempty"`
}

// Invoke 实现 providers.Provider。
// 提交任务后按固定间隔轮询，直到成功、失败或超出等待上限。
func (p *Provider) Invoke(ctx context.Context, model, apiKey string, req *providers.Request) (*providers.Response, error) {
	payload := generateRequest{Prompt: req.Prompt, Model: model}

	var accepted generateAccepted
	err := providers.DoJSON(ctx, p.client, p.Name(), http.MethodPost,
		p.baseURL+"/v2beta/stable-image/generate/core", p.headers(apiKey), payload, &accepted)
	if err != nil {
		return nil, err
	}
	if accepted.ID == "" {
		return nil, &providers.Error{
			Code:     providers.ErrUpstreamError,
			Message:  "job accepted without an id",
			Provider: p.Name(),
		}
	}

	deadline := time.Now().Add(p.maxWait)
	for {
		var result resultResponse
		err := providers.DoJSON(ctx, p.client, p.Name(), http.MethodGet,
			fmt.Sprintf("%s/v2beta/results/%s", p.baseURL, accepted.ID), p.headers(apiKey), nil, &result)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case "succeeded", "":
			// 空 status 且带图像视为完成（兼容同步返回的端点）
			if result.Image != "" {
				return &providers.Response{
					Data:  map[string]any{"image_base64": result.Image, "finish_reason": result.FinishReason},
					Usage: providers.Usage{MediaUnits: 1},
				}, nil
			}
			if result.Status == "succeeded" {
				return nil, &providers.Error{
					Code:     providers.ErrUpstreamError,
					Message:  "job succeeded without image payload",
					Provider: p.Name(),
				}
			}
		case "failed":
			return nil, &providers.Error{
				Code:     providers.ErrUpstreamError,
				Message:  fmt.Sprintf("generation job %s failed", accepted.ID),
				Provider: p.Name(),
			}
		}

		if time.Now().After(deadline) {
			return nil, providers.Timeout(p.Name(),
				fmt.Sprintf("generation job %s did not finish within %s", accepted.ID, p.maxWait))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// Verify 实现 providers.Provider，探测账号余额端点。
func (p *Provider) Verify(ctx context.Context, apiKey string) error {
	return providers.DoJSON(ctx, p.client, p.Name(), http.MethodGet,
		p.baseURL+"/v1/user/balance", p.headers(apiKey), nil, nil)
}

func (p *Provider) headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
