// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"nano-banana-proxy/internal/application/dispatch"
	"nano-banana-proxy/internal/application/ledger"
	"nano-banana-proxy/internal/interfaces/http/dto"
	"nano-banana-proxy/internal/interfaces/http/middleware"
	apperrors "nano-banana-proxy/pkg/errors"
	"nano-banana-proxy/pkg/logger"
)

// GenerateHandler 生成调用处理器
type GenerateHandler struct {
	dispatcher *dispatch.Dispatcher
}

// NewGenerateHandler 创建生成调用处理器
func NewGenerateHandler(dispatcher *dispatch.Dispatcher) *GenerateHandler {
	return &GenerateHandler{dispatcher: dispatcher}
}

// Generate 非流式生成
// POST /v1/generate
func (h *GenerateHandler) Generate(c *gin.Context) {
	var req dto.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err)
		return
	}

	ctx := logger.WithContext(c.Request.Context(), logger.ModelKey, req.Model)
	body, err := h.dispatcher.Dispatch(ctx, middleware.AccountID(c), req.Model, req.Payload)
	if err != nil {
		dto.Error(c, mapDispatchError(err))
		return
	}

	// 上游响应体原样透传
	c.Data(http.StatusOK, "application/json", body)
}

// GenerateStream 流式生成（SSE 透传）
// POST /v1/generate/stream
func (h *GenerateHandler) GenerateStream(c *gin.Context) {
	var req dto.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err)
		return
	}

	ctx := logger.WithContext(c.Request.Context(), logger.ModelKey, req.Model)
	stream, err := h.dispatcher.DispatchStream(ctx, middleware.AccountID(c), req.Model, req.Payload)
	if err != nil {
		dto.Error(c, mapDispatchError(err))
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	// 逐块转发，中途断流只能记日志，状态行已经发出
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				logger.Warn(ctx, "client closed stream", "error", werr.Error())
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn(ctx, "upstream stream interrupted", "error", err.Error())
			}
			return
		}
	}
}

// mapDispatchError 把调度层错误翻译为对外错误
func mapDispatchError(err error) error {
	var insufficientErr *ledger.InsufficientFundsError
	if errors.As(err, &insufficientErr) {
		return apperrors.New(apperrors.CodeInsufficientCredits, "insufficient credits").
			WithDetail(fmt.Sprintf("requires %d credits, balance is %d", insufficientErr.Required, insufficientErr.Balance))
	}
	return err
}
