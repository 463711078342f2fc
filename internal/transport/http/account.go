package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditgate/backend/internal/middleware"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage"
)

// 分页默认值
const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxPage         = 100000
)

// AccountHandler 账户只读视图
type AccountHandler struct {
	accounts *service.AccountService
	log      *zap.Logger
}

// NewAccountHandler 创建账户处理器
func NewAccountHandler(accounts *service.AccountService, log *zap.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, log: log}
}

// GetAccount godoc
// @Summary 当前账户
// @Description 余额、累计购买、累计请求与等级
// @Tags 账户
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /v1/account [get]
func (h *AccountHandler) GetAccount(c *gin.Context) {
	account, err := h.accounts.GetAccount(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to load account", zap.Error(err))
		InternalError(c, MsgAccountLoadFailed)
		return
	}
	Success(c, account)
}

// ListTransactions godoc
// @Summary 积分流水
// @Tags 账户
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码"
// @Param pageSize query int false "每页数量"
// @Success 200 {object} Response
// @Router /v1/account/transactions [get]
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	page, pageSize, ok := parsePage(c)
	if !ok {
		BadRequest(c, MsgInvalidPage)
		return
	}

	items, total, err := h.accounts.Transactions(c.Request.Context(), middleware.AccountID(c), page, pageSize)
	if err != nil {
		h.log.Error("failed to list transactions", zap.Error(err))
		InternalError(c, MsgHistoryFailed)
		return
	}

	Success(c, gin.H{
		"items":    items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// ListUsage godoc
// @Summary 请求记录
// @Tags 账户
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码"
// @Param pageSize query int false "每页数量"
// @Success 200 {object} Response
// @Router /v1/account/usage [get]
func (h *AccountHandler) ListUsage(c *gin.Context) {
	page, pageSize, ok := parsePage(c)
	if !ok {
		BadRequest(c, MsgInvalidPage)
		return
	}

	items, total, err := h.accounts.Usage(c.Request.Context(), middleware.AccountID(c), page, pageSize)
	if err != nil {
		h.log.Error("failed to list usage", zap.Error(err))
		InternalError(c, MsgHistoryFailed)
		return
	}

	Success(c, gin.H{
		"items":    items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// parsePage 解析 page / pageSize，缺省为第 1 页
func parsePage(c *gin.Context) (int, int, bool) {
	page, pageSize := 1, defaultPageSize

	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxPage {
			return 0, 0, false
		}
		page = v
	}
	if raw := c.Query("pageSize"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		pageSize = min(v, maxPageSize)
	}
	return page, pageSize, true
}
