// Package dto 定义 HTTP 请求与响应结构
package dto

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "nano-banana-proxy/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Detail  string              `json:"detail,omitempty"`
	Data    any                 `json:"data,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 返回错误响应，按错误码映射 HTTP 状态
func Error(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, Response{
		Code:    appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	})
}

// BadRequest 参数绑定失败的快捷响应
func BadRequest(c *gin.Context, err error) {
	Error(c, apperrors.New(apperrors.CodeInvalidParam, "invalid parameter").WithDetail(err.Error()))
}
