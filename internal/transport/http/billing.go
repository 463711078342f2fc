package httptransport

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"creditgate/backend/internal/billing"
	"creditgate/backend/internal/middleware"
	"creditgate/backend/internal/storage"
)

// BillingHandler 购买登记与支付回调
type BillingHandler struct {
	reconciler *billing.Reconciler
	log        *zap.Logger
}

// NewBillingHandler 创建计费处理器
func NewBillingHandler(reconciler *billing.Reconciler, log *zap.Logger) *BillingHandler {
	return &BillingHandler{reconciler: reconciler, log: log}
}

type createIntentRequest struct {
	ExternalTransactionID string `json:"externalTransactionId" binding:"required"`
	AmountMinor           int64  `json:"amountMinor" binding:"required"`
	Currency              string `json:"currency" binding:"required"`
}

// CreateIntent godoc
// @Summary 登记待支付订单
// @Description 在支付处理方创建结账会话后登记，积分按服务端单价换算，回调金额与币种必须与登记一致
// @Tags 计费
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createIntentRequest true "订单"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /v1/billing/intents [post]
func (h *BillingHandler) CreateIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	purchase, err := h.reconciler.RegisterIntent(c.Request.Context(), billing.IntentInput{
		AccountID:             middleware.AccountID(c),
		ExternalTransactionID: req.ExternalTransactionID,
		AmountMinor:           req.AmountMinor,
		Currency:              req.Currency,
	})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrIntentExists):
			Conflict(c, GetErrorMessage(err))
		case errors.Is(err, billing.ErrInvalidEvent):
			BadRequest(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to register purchase intent", zap.Error(err))
			InternalError(c, MsgIntentFailed)
		}
		return
	}

	Created(c, purchase)
}

// GetPurchase godoc
// @Summary 查询购买记录
// @Tags 计费
// @Produce json
// @Security BearerAuth
// @Param externalId path string true "外部交易号"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /v1/billing/purchases/{externalId} [get]
func (h *BillingHandler) GetPurchase(c *gin.Context) {
	purchase, err := h.reconciler.GetPurchase(c.Request.Context(), middleware.AccountID(c), c.Param("externalId"))
	if err != nil {
		if errors.Is(err, storage.ErrPurchaseNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to load purchase", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, purchase)
}

// PaymentWebhook godoc
// @Summary 支付回调
// @Description 校验 X-Payment-Signature 后入账；重复事件返回 200
// @Tags 计费
// @Accept json
// @Produce json
// @Param X-Payment-Signature header string true "t=<unix>,v1=<hex>"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response "处理方会重试"
// @Router /v1/webhooks/payments [post]
func (h *BillingHandler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, Response{Code: http.StatusRequestEntityTooLarge, Msg: MsgPayloadTooLarge})
			return
		}
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.reconciler.HandleWebhook(c.Request.Context(), c.GetHeader(billing.SignatureHeader), body)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature),
			errors.Is(err, billing.ErrSignatureExpired),
			errors.Is(err, billing.ErrInvalidEvent),
			errors.Is(err, billing.ErrUnknownAccount),
			errors.Is(err, billing.ErrAccountMismatch),
			errors.Is(err, billing.ErrAmountMismatch):
			BadRequest(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to apply payment event", zap.Error(err))
			InternalError(c, MsgWebhookFailed)
		}
		return
	}

	Success(c, result)
}
