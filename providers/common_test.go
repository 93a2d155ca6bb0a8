package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		msg       string
		wantCode  ErrorCode
		wantRetry bool
	}{
		{"401 未授权", http.StatusUnauthorized, "invalid api key", ErrUnauthorized, false},
		{"403 禁止", http.StatusForbidden, "access denied", ErrForbidden, false},
		{"429 限流", http.StatusTooManyRequests, "rate limit exceeded", ErrRateLimited, true},
		{"400 参数错误", http.StatusBadRequest, "invalid parameter", ErrInvalidRequest, false},
		{"400 配额关键字", http.StatusBadRequest, "You exceeded your current quota", ErrQuotaExceeded, false},
		{"400 信用关键字", http.StatusBadRequest, "insufficient credits", ErrQuotaExceeded, false},
		{"400 计费关键字", http.StatusBadRequest, "billing hard limit reached", ErrQuotaExceeded, false},
		{"502 网关错误", http.StatusBadGateway, "bad gateway", ErrUpstreamError, true},
		{"503 不可用", http.StatusServiceUnavailable, "overloaded", ErrUpstreamError, true},
		{"504 超时", http.StatusGatewayTimeout, "timeout", ErrUpstreamError, true},
		{"529 过载", 529, "overloaded_error", ErrUpstreamError, true},
		{"500 其它 5xx", http.StatusInternalServerError, "boom", ErrUpstreamError, true},
		{"418 其它 4xx", http.StatusTeapot, "teapot", ErrUpstreamError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := MapHTTPError(tt.status, tt.msg, "test-provider")
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantRetry, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "test-provider", e.Provider)
		})
	}
}

func TestReadErrorMessage(t *testing.T) {
	// OpenAI 风格的 JSON 错误
	msg := ReadErrorMessage(strings.NewReader(
		`{"error":{"message":"Invalid API key provided","type":"invalid_request_error"}}`))
	assert.Equal(t, "Invalid API key provided (type: invalid_request_error)", msg)

	// 无 type 字段
	msg = ReadErrorMessage(strings.NewReader(`{"error":{"message":"quota exceeded"}}`))
	assert.Equal(t, "quota exceeded", msg)

	// 非 JSON 回退为原始文本
	msg = ReadErrorMessage(strings.NewReader("plain text error"))
	assert.Equal(t, "plain text error", msg)
}

func TestError_Error(t *testing.T) {
	e := &Error{Code: ErrRateLimited, Message: "slow down", Provider: "openai"}
	assert.Equal(t, "openai: slow down", e.Error())

	e = &Error{Code: ErrRateLimited, Message: "slow down"}
	assert.Equal(t, "slow down", e.Error())
}

func TestDoJSON_RetriesOnceOnRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := DoJSON(context.Background(), srv.Client(), "test", http.MethodGet, srv.URL, nil, nil, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoJSON_NoRetryOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), srv.Client(), "test", http.MethodGet, srv.URL, nil, nil, nil)
	require.Error(t, err)

	pe, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrUnauthorized, pe.Code)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestDoJSON_GivesUpAfterSecondFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), srv.Client(), "test", http.MethodGet, srv.URL, nil, nil, nil)
	require.Error(t, err)

	pe, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrRateLimited, pe.Code)
	assert.Equal(t, int32(2), calls.Load(), "retryable errors are retried exactly once")
}

func TestDoJSON_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := DoJSON(ctx, srv.Client(), "test", http.MethodGet, srv.URL, nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoJSON_SendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	headers := map[string]string{"Authorization": "Bearer sk-test"}
	err := DoJSON(context.Background(), srv.Client(), "test", http.MethodPost, srv.URL,
		headers, map[string]string{"prompt": "hi"}, nil)
	require.NoError(t, err)
}
