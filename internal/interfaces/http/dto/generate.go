// Package dto 定义 HTTP 请求与响应结构
package dto

import "encoding/json"

// GenerateRequest 生成调用请求
// Payload 原样转发给上游，本服务不理解其内部结构。
type GenerateRequest struct {
	Model   string          `json:"model" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}
