package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditgate/backend/internal/auth"
	jwtpkg "creditgate/backend/internal/auth/jwt"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage"
)

// AuthHandler 处理会话换取与刷新
type AuthHandler struct {
	identities *auth.IdentityVerifier // IdP 令牌校验
	accounts   *service.AccountService
	jwtManager *jwtpkg.Manager // 会话令牌管理器
	log        *zap.Logger
}

// NewAuthHandler 创建新的认证处理器实例
func NewAuthHandler(identities *auth.IdentityVerifier, accounts *service.AccountService, jwtManager *jwtpkg.Manager, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		identities: identities,
		accounts:   accounts,
		jwtManager: jwtManager,
		log:        log,
	}
}

type sessionRequest struct {
	IdentityToken string `json:"identityToken" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type sessionResponse struct {
	Account      *domain.Account `json:"account"`
	Created      bool            `json:"created"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	TokenType    string          `json:"tokenType"`
	ExpiresIn    int64           `json:"expiresIn"`
}

// Session 用 IdP 令牌换取会话
// @Summary 换取会话
// @Description 校验身份提供方签发的令牌，首次登录时创建账户并发放赠送积分
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body sessionRequest true "IdP 令牌"
// @Success 200 {object} sessionResponse "登录成功"
// @Failure 400 {object} Response "请求参数错误"
// @Failure 401 {object} Response "令牌无效"
// @Failure 500 {object} Response "服务器内部错误"
// @Router /v1/auth/session [post]
func (h *AuthHandler) Session(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	identity, err := h.identities.Verify(req.IdentityToken)
	if err != nil {
		if errors.Is(err, auth.ErrIdentityNotConfigured) {
			h.log.Error("identity provider secret is not configured")
			InternalError(c, GetErrorMessage(err))
			return
		}
		h.log.Warn("identity token rejected", zap.String("ip", c.ClientIP()))
		Unauthorized(c, GetErrorMessage(err))
		return
	}

	account, created, err := h.accounts.ExchangeSession(c.Request.Context(), identity)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEmail) {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to exchange session", zap.Error(err))
		InternalError(c, MsgSessionFailed)
		return
	}

	tokens, err := h.jwtManager.GenerateTokenPair(account.ID, string(account.Tier))
	if err != nil {
		h.log.Error("failed to generate tokens", zap.Error(err))
		InternalError(c, MsgGenerateFailed)
		return
	}

	Success(c, sessionResponse{
		Account:      account,
		Created:      created,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    tokens.ExpiresIn,
	})
}

// Refresh 刷新访问令牌
// @Summary 刷新访问令牌
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body refreshRequest true "刷新令牌"
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	token, claims, err := h.jwtManager.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		if errors.Is(err, jwtpkg.ErrExpiredToken) {
			Unauthorized(c, MsgTokenExpired)
			return
		}
		Unauthorized(c, MsgTokenInvalid)
		return
	}

	// 账户可能已不存在
	if _, err := h.accounts.GetAccount(c.Request.Context(), claims.AccountID); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			Unauthorized(c, MsgTokenInvalid)
			return
		}
		h.log.Error("failed to load account for refresh", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{
		"accessToken": token,
		"tokenType":   "Bearer",
	})
}
