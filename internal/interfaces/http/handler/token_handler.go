// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"nano-banana-proxy/internal/domain/entity"
	"nano-banana-proxy/internal/domain/repository"
	"nano-banana-proxy/internal/infrastructure/keycipher"
	"nano-banana-proxy/internal/interfaces/http/dto"
	apperrors "nano-banana-proxy/pkg/errors"
	"nano-banana-proxy/pkg/logger"
)

// TokenHandler 凭证管理处理器（管理面）
// 密钥明文只在创建请求中出现，落库前加密，对外只暴露掩码。
type TokenHandler struct {
	tokens repository.TokenRepository
	cipher *keycipher.Cipher
}

// NewTokenHandler 创建凭证管理处理器
func NewTokenHandler(tokens repository.TokenRepository, cipher *keycipher.Cipher) *TokenHandler {
	return &TokenHandler{tokens: tokens, cipher: cipher}
}

// Create 新增凭证
// POST /admin/tokens
func (h *TokenHandler) Create(c *gin.Context) {
	var req dto.CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err)
		return
	}

	ciphertext, err := h.cipher.Encrypt(req.Key)
	if err != nil {
		dto.Error(c, apperrors.Wrap(err, apperrors.CodeInternalError, "failed to encrypt key"))
		return
	}

	token := &entity.Token{
		Name:          req.Name,
		KeyCiphertext: ciphertext,
		KeyMask:       entity.MaskKey(req.Key),
		Priority:      req.Priority,
		IsActive:      true,
	}
	if err := h.tokens.Create(c.Request.Context(), token); err != nil {
		dto.Error(c, err)
		return
	}

	logger.Info(c.Request.Context(), "token created",
		"token_id", token.ID, "key_mask", token.KeyMask)
	dto.Success(c, dto.NewTokenView(token))
}

// List 列出全部凭证
// GET /admin/tokens
func (h *TokenHandler) List(c *gin.Context) {
	tokens, err := h.tokens.List(c.Request.Context())
	if err != nil {
		dto.Error(c, err)
		return
	}
	dto.Success(c, dto.NewTokenViews(tokens))
}

// Get 查询单个凭证
// GET /admin/tokens/:id
func (h *TokenHandler) Get(c *gin.Context) {
	token, err := h.tokens.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		dto.Error(c, err)
		return
	}
	dto.Success(c, dto.NewTokenView(token))
}

// Update 更新凭证名称或优先级
// PATCH /admin/tokens/:id
func (h *TokenHandler) Update(c *gin.Context) {
	var req dto.UpdateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	token, err := h.tokens.GetByID(ctx, c.Param("id"))
	if err != nil {
		dto.Error(c, err)
		return
	}

	if req.Name != nil {
		token.Name = *req.Name
	}
	if req.Priority != nil {
		token.Priority = *req.Priority
	}
	if err := h.tokens.Update(ctx, token); err != nil {
		dto.Error(c, err)
		return
	}
	dto.Success(c, dto.NewTokenView(token))
}

// SetActive 启用/停用凭证
// PUT /admin/tokens/:id/active
func (h *TokenHandler) SetActive(c *gin.Context) {
	var req dto.SetTokenActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.tokens.SetActive(ctx, c.Param("id"), *req.Active); err != nil {
		dto.Error(c, err)
		return
	}

	logger.Info(ctx, "token active state changed",
		"token_id", c.Param("id"), "active", *req.Active)
	dto.Success(c, nil)
}
