// Package dto 定义 HTTP 请求与响应结构
package dto

// BalanceView 账户余额视图
type BalanceView struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}
