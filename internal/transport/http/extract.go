package httptransport

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/gateway"
	"creditgate/backend/internal/middleware"
)

// HeaderAPIKey 受保护端点的密钥请求头
const HeaderAPIKey = "X-API-Key"

// ExtractHandler 受保护的计费端点
type ExtractHandler struct {
	gateway *gateway.Gateway
}

// NewExtractHandler 创建提取处理器
func NewExtractHandler(gw *gateway.Gateway) *ExtractHandler {
	return &ExtractHandler{gateway: gw}
}

// Extract godoc
// @Summary 提取平台内容
// @Description 按平台计费，成功时返回上游内容并在响应头中给出扣费与余额
// @Tags 网关
// @Produce json
// @Param X-API-Key header string true "API Key"
// @Param platform path string true "平台"
// @Param target query string true "目标（用户名或链接）"
// @Success 200 {object} object
// @Failure 401 {object} Response
// @Failure 402 {object} Response
// @Failure 403 {object} Response
// @Failure 429 {object} Response
// @Failure 502 {object} Response
// @Router /v1/extract/{platform} [get]
func (h *ExtractHandler) Extract(c *gin.Context) {
	params := make(map[string]string)
	for name, values := range c.Request.URL.Query() {
		if name == "target" || len(values) == 0 {
			continue
		}
		params[name] = values[0]
	}

	call := &gateway.Call{
		RequestID: middleware.GetRequestID(c),
		APIKey:    c.GetHeader(HeaderAPIKey),
		ClientIP:  c.ClientIP(),
		Platform:  c.Param("platform"),
		Target:    c.Query("target"),
		Params:    params,
	}

	outcome, err := h.gateway.Handle(c.Request.Context(), call)
	setRateLimitHeaders(c, outcome.RateLimit)
	if err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			Reject(c, rej)
			return
		}
		if errors.Is(err, gateway.ErrInvalidRequest) {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		InternalError(c, MsgInternalError)
		return
	}

	c.Header("X-Credits-Charged", strconv.FormatInt(outcome.Charged, 10))
	c.Header("X-Credits-Remaining", strconv.FormatInt(outcome.Remaining, 10))

	contentType := outcome.Response.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, outcome.Response.Body)
}
