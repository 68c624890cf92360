// Package upstream 提供上游生成 API 的薄客户端
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"nano-banana-proxy/internal/config"
)

var tracer = otel.Tracer("upstream")

// maxErrorBody 失败响应体的读取上限，错误体只用于分类与脱敏展示
const maxErrorBody = 64 * 1024

// Result 一次非流式调用的结果
type Result struct {
	StatusCode int
	Body       []byte
}

// StreamResult 一次流式调用的结果
// 调用方负责关闭 Body；StatusCode 非 200 时 Body 已被读出到 ErrBody 并关闭。
type StreamResult struct {
	StatusCode int
	Body       io.ReadCloser
	ErrBody    []byte
}

// Client 上游客户端，固定超时
type Client struct {
	http         *http.Client
	baseURL      string
	generatePath string
	streamPath   string
}

// NewClient 创建上游客户端
func NewClient(cfg *config.UpstreamConfig) *Client {
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:      cfg.BaseURL,
		generatePath: cfg.GeneratePath,
		streamPath:   cfg.StreamPath,
	}
}

// Generate 发起一次非流式生成调用
func (c *Client) Generate(ctx context.Context, apiKey, model string, payload json.RawMessage) (*Result, error) {
	ctx, span := tracer.Start(ctx, "upstream.Generate")
	span.SetAttributes(attribute.String("upstream.model", model))
	defer span.End()

	url := c.baseURL + fmt.Sprintf(c.generatePath, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	// 成功响应体不设上限（生成结果可能内联大段 base64 数据），
	// 只有失败响应体才截断，它仅用于分类与脱敏展示
	var body []byte
	if resp.StatusCode == http.StatusOK {
		body, err = io.ReadAll(resp.Body)
	} else {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("upstream.status", resp.StatusCode))
	return &Result{StatusCode: resp.StatusCode, Body: body}, nil
}

// GenerateStream 发起一次流式生成调用（SSE）
// 成功与否由响应状态行决定：非 200 时读出错误体并关闭连接。
func (c *Client) GenerateStream(ctx context.Context, apiKey, model string, payload json.RawMessage) (*StreamResult, error) {
	ctx, span := tracer.Start(ctx, "upstream.GenerateStream")
	span.SetAttributes(attribute.String("upstream.model", model))
	defer span.End()

	url := c.baseURL + fmt.Sprintf(c.streamPath, model) + "?alt=sse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("upstream.status", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return &StreamResult{StatusCode: resp.StatusCode, ErrBody: errBody}, nil
	}

	return &StreamResult{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// IsTimeout 判断传输层错误是否为超时
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return os.IsTimeout(err)
}
