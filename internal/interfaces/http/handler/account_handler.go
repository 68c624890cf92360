// Package handler 提供 HTTP 请求处理器
package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"nano-banana-proxy/internal/application/ledger"
	"nano-banana-proxy/internal/domain/repository"
	"nano-banana-proxy/internal/interfaces/http/dto"
	"nano-banana-proxy/internal/interfaces/http/middleware"
)

// AccountHandler 账户自助查询处理器
type AccountHandler struct {
	ledger *ledger.Service
	usage  repository.UsageRecordRepository
}

// NewAccountHandler 创建账户查询处理器
func NewAccountHandler(ledgerSvc *ledger.Service, usage repository.UsageRecordRepository) *AccountHandler {
	return &AccountHandler{ledger: ledgerSvc, usage: usage}
}

// Balance 查询余额
// GET /v1/account/balance
func (h *AccountHandler) Balance(c *gin.Context) {
	accountID := middleware.AccountID(c)
	balance, err := h.ledger.Balance(c.Request.Context(), accountID)
	if err != nil {
		dto.Error(c, err)
		return
	}
	dto.Success(c, &dto.BalanceView{AccountID: accountID, Balance: balance})
}

// Entries 查询余额流水
// GET /v1/account/ledger
func (h *AccountHandler) Entries(c *gin.Context) {
	entries, err := h.ledger.Entries(c.Request.Context(), middleware.AccountID(c), queryLimit(c))
	if err != nil {
		dto.Error(c, err)
		return
	}
	dto.Success(c, entries)
}

// Usage 查询调度记录
// GET /v1/account/usage
func (h *AccountHandler) Usage(c *gin.Context) {
	records, err := h.usage.ListByAccount(c.Request.Context(), middleware.AccountID(c), queryLimit(c))
	if err != nil {
		dto.Error(c, err)
		return
	}
	dto.Success(c, records)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
