package httptransport

import (
	"errors"

	"creditgate/backend/internal/auth"
	"creditgate/backend/internal/billing"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/gateway"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 账户
	storage.ErrAccountNotFound: "账户不存在",
	service.ErrInvalidTier:     "账户等级无效",
	domain.ErrInvalidEmail:     "邮箱格式无效",

	// API Key
	service.ErrAPIKeyNotFound: "API Key不存在",
	service.ErrInvalidExpiry:  "过期时间必须大于零",
	domain.ErrKeyNameTooLong:  "API Key名称过长",

	// 支付
	billing.ErrInvalidEvent:       "支付事件无效",
	billing.ErrUnknownAccount:     "支付事件指向的账户不存在",
	billing.ErrAccountMismatch:    "支付事件账户与订单不一致",
	billing.ErrAmountMismatch:     "支付金额或币种与订单不一致",
	billing.ErrIntentExists:       "该交易号已登记",
	billing.ErrInvalidSignature:   "签名校验失败",
	billing.ErrSignatureExpired:   "签名已过期",
	storage.ErrPurchaseNotFound:   "购买记录不存在",
	domain.ErrInvalidCurrency:     "币种无效",
	domain.ErrInvalidExternalID:   "交易号格式无效",
	domain.ErrInvalidPlatform:     "平台名称无效",
	gateway.ErrInvalidRequest:     "请求参数错误",
	auth.ErrInvalidIdentityToken:  "身份令牌无效",
	auth.ErrIdentityNotConfigured: "未配置身份提供方",
}

// GetErrorMessage 获取错误的中文消息，支持被包装的错误
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return err.Error()
}

// 拒绝原因 -> 中文消息
var reasonMessages = map[domain.Reason]string{
	domain.ReasonMissingCredential:   "缺少 API Key",
	domain.ReasonMalformedCredential: "API Key 格式错误",
	domain.ReasonInvalidOrRevoked:    "API Key 无效或已撤销",
	domain.ReasonExpired:             "API Key 已过期",
	domain.ReasonRateLimited:         "请求过于频繁，请稍后重试",
	domain.ReasonInsufficientCredit:  "积分不足",
	domain.ReasonUpstreamError:       "上游服务暂不可用",
}

// GetReasonMessage 获取拒绝原因的中文消息
func GetReasonMessage(reason domain.Reason) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return MsgInternalError
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidExpiresIn = "过期时间格式无效"
	MsgInvalidPage      = "分页参数无效"

	// 认证相关
	MsgAuthRequired    = "需要登录认证"
	MsgTokenExpired    = "登录已过期，请重新登录"
	MsgTokenInvalid    = "无效的访问令牌"
	MsgSessionFailed   = "登录失败，请稍后重试"
	MsgGenerateFailed  = "生成令牌失败"
	MsgPayloadTooLarge = "请求体过大"

	// API Key 相关
	MsgAPIKeyCreateFailed = "创建API Key失败"
	MsgAPIKeyListFailed   = "获取API Key列表失败"
	MsgAPIKeyUpdateFailed = "更新API Key失败"
	MsgAPIKeyDeleteFailed = "删除API Key失败"

	// 账户与计费
	MsgAccountLoadFailed = "获取账户信息失败"
	MsgHistoryFailed     = "获取记录失败"
	MsgIntentFailed      = "登记订单失败"
	MsgWebhookFailed     = "处理支付回调失败"

	// 通用
	MsgInternalError = "服务器内部错误"
)
