package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditgate/backend/internal/apikey"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/middleware"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage"
)

// APIKeyHandler API Key管理处理器
type APIKeyHandler struct {
	apiKeyService *service.APIKeyService
	log           *zap.Logger
}

// NewAPIKeyHandler 创建API Key处理器
func NewAPIKeyHandler(apiKeyService *service.APIKeyService, log *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		apiKeyService: apiKeyService,
		log:           log,
	}
}

// createAPIKeyRequest 创建API Key请求
type createAPIKeyRequest struct {
	Name      string `json:"name"`                // API Key名称/描述
	ExpiresIn string `json:"expiresIn,omitempty"` // 过期时间（如 "720h" 表示30天）
}

type updateAPIKeyRequest struct {
	Name string `json:"name"`
}

// apiKeyResponse API Key响应
//
// Key 只在创建时为明文，其余接口返回遮蔽形式。
type apiKeyResponse struct {
	ID            string          `json:"id"`
	Key           string          `json:"key"`
	Name          string          `json:"name"`
	State         domain.KeyState `json:"state"`
	IsActive      bool            `json:"isActive"`
	TotalRequests int64           `json:"totalRequests"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	LastUsedAt    *time.Time      `json:"lastUsedAt,omitempty"`
}

func toAPIKeyResponse(key *domain.APIKey, display string) apiKeyResponse {
	return apiKeyResponse{
		ID:            key.ID,
		Key:           display,
		Name:          key.Name,
		State:         key.State(time.Now()),
		IsActive:      key.IsActive,
		TotalRequests: key.TotalRequests,
		CreatedAt:     key.CreatedAt,
		ExpiresAt:     key.ExpiresAt,
		LastUsedAt:    key.LastUsedAt,
	}
}

// CreateAPIKey godoc
// @Summary 创建API Key
// @Description 为当前账户创建一个新的API Key，明文只返回这一次
// @Tags APIKeys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createAPIKeyRequest true "API Key参数"
// @Success 201 {object} apiKeyResponse
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /v1/api-keys [post]
func (h *APIKeyHandler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	// 解析过期时间
	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		duration, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			BadRequest(c, MsgInvalidExpiresIn)
			return
		}
		expiresIn = &duration
	}

	created, err := h.apiKeyService.CreateAPIKey(c.Request.Context(), service.CreateAPIKeyInput{
		AccountID: middleware.AccountID(c),
		Name:      req.Name,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidExpiry), errors.Is(err, domain.ErrKeyNameTooLong):
			BadRequest(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrAccountNotFound):
			Unauthorized(c, MsgTokenInvalid)
		default:
			h.log.Error("failed to create api key", zap.Error(err))
			InternalError(c, MsgAPIKeyCreateFailed)
		}
		return
	}

	Created(c, toAPIKeyResponse(created.Key, created.Secret))
}

// ListAPIKeys godoc
// @Summary 获取API Key列表
// @Description 获取当前账户的所有API Key
// @Tags APIKeys
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{items=[]apiKeyResponse,count=int}
// @Failure 401 {object} Response
// @Failure 500 {object} Response
// @Router /v1/api-keys [get]
func (h *APIKeyHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.apiKeyService.ListAPIKeys(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		h.log.Error("failed to list api keys", zap.Error(err))
		InternalError(c, MsgAPIKeyListFailed)
		return
	}

	items := make([]apiKeyResponse, 0, len(keys))
	for i := range keys {
		items = append(items, toAPIKeyResponse(&keys[i], apikey.Mask(keys[i].LookupPrefix)))
	}

	Success(c, gin.H{
		"items": items,
		"count": len(items),
	})
}

// GetAPIKey godoc
// @Summary 获取API Key详情
// @Tags APIKeys
// @Produce json
// @Security BearerAuth
// @Param id path string true "API Key ID"
// @Success 200 {object} apiKeyResponse
// @Failure 404 {object} Response
// @Router /v1/api-keys/{id} [get]
func (h *APIKeyHandler) GetAPIKey(c *gin.Context) {
	key, err := h.apiKeyService.GetAPIKey(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	h.respondKey(c, key, err)
}

// UpdateAPIKey godoc
// @Summary 重命名API Key
// @Tags APIKeys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "API Key ID"
// @Param request body updateAPIKeyRequest true "新名称"
// @Success 200 {object} apiKeyResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /v1/api-keys/{id} [patch]
func (h *APIKeyHandler) UpdateAPIKey(c *gin.Context) {
	var req updateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	key, err := h.apiKeyService.RenameAPIKey(c.Request.Context(), middleware.AccountID(c), c.Param("id"), req.Name)
	h.respondKey(c, key, err)
}

// RevokeAPIKey godoc
// @Summary 撤销API Key
// @Description 撤销后下一次请求立即失败
// @Tags APIKeys
// @Security BearerAuth
// @Param id path string true "API Key ID"
// @Success 200 {object} apiKeyResponse
// @Failure 404 {object} Response
// @Router /v1/api-keys/{id}/revoke [post]
func (h *APIKeyHandler) RevokeAPIKey(c *gin.Context) {
	key, err := h.apiKeyService.RevokeAPIKey(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	h.respondKey(c, key, err)
}

// ReactivateAPIKey godoc
// @Summary 重新激活API Key
// @Tags APIKeys
// @Security BearerAuth
// @Param id path string true "API Key ID"
// @Success 200 {object} apiKeyResponse
// @Failure 404 {object} Response
// @Router /v1/api-keys/{id}/reactivate [post]
func (h *APIKeyHandler) ReactivateAPIKey(c *gin.Context) {
	key, err := h.apiKeyService.ReactivateAPIKey(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	h.respondKey(c, key, err)
}

// DeleteAPIKey godoc
// @Summary 删除API Key
// @Tags APIKeys
// @Security BearerAuth
// @Param id path string true "API Key ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /v1/api-keys/{id} [delete]
func (h *APIKeyHandler) DeleteAPIKey(c *gin.Context) {
	err := h.apiKeyService.DeleteAPIKey(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrAPIKeyNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to delete api key", zap.Error(err))
		InternalError(c, MsgAPIKeyDeleteFailed)
		return
	}

	Success(c, gin.H{"deleted": true})
}

func (h *APIKeyHandler) respondKey(c *gin.Context, key *domain.APIKey, err error) {
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAPIKeyNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, domain.ErrKeyNameTooLong):
			BadRequest(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to update api key", zap.Error(err))
			InternalError(c, MsgAPIKeyUpdateFailed)
		}
		return
	}
	Success(c, toAPIKeyResponse(key, apikey.Mask(key.LookupPrefix)))
}
