package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MapHTTPError 将 HTTP 状态码映射为带有合适重试标记的 *Error。
// 这是所有适配器使用的通用错误映射函数。
func MapHTTPError(status int, msg string, provider string) *Error {
	switch status {
	case http.StatusUnauthorized:
		return &Error{Code: ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &Error{Code: ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		// 检查配额/信用关键字
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "billing") {
			return &Error{Code: ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &Error{Code: ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case 529: // 部分厂商用 529 表示模型过载
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &Error{
			Code:       ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}

// ReadErrorMessage 读取响应体中的错误消息。
// 尝试解析 JSON 错误响应，失败则回退到原始文本。
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return string(data)
}

// retryDelay 是适配器内部对可重试失败（429/5xx）的单次重试间隔。
// 链级别的降级不等待；厂商内部的抖动在这里消化一次。
const retryDelay = time.Second

// HTTPDoer 抽象 http.Client，便于测试注入。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoJSON 发送 JSON 请求并解码 2xx 响应到 out。
// 非 2xx 响应映射为 *Error；可重试错误在短暂退避后重试一次，
// 仍失败则按链级失败处理。
func DoJSON(ctx context.Context, client HTTPDoer, provider, method, url string, headers map[string]string, payload, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		err := doJSONOnce(ctx, client, method, url, headers, payload, out, provider)
		if err == nil {
			return nil
		}
		lastErr = err

		var pe *Error
		if !asProviderError(err, &pe) || !pe.Retryable {
			return err
		}
	}
	return lastErr
}

func asProviderError(err error, target **Error) bool {
	pe, ok := err.(*Error)
	if ok {
		*target = pe
	}
	return ok
}

func doJSONOnce(ctx context.Context, client HTTPDoer, method, url string, headers map[string]string, payload, out any, provider string) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &Error{Code: ErrInvalidRequest, Message: fmt.Sprintf("marshal request: %v", err), Provider: provider}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Code: ErrInvalidRequest, Message: err.Error(), Provider: provider}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: ErrUpstreamError, Message: err.Error(), Retryable: true, Provider: provider}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), provider)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Code: ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err), Provider: provider}
	}
	return nil
}
