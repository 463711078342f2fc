package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind 拒绝请求的错误类别
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication" // 缺失、格式错误、无效或已撤销的密钥
	KindAuthorization  ErrorKind = "authorization"  // 密钥过期、余额为零
	KindThrottle       ErrorKind = "throttle"       // 触发限流
	KindLedgerConflict ErrorKind = "ledger_conflict"
	KindUpstream       ErrorKind = "upstream"
)

// Reason 稳定的机器可读拒绝原因
type Reason string

const (
	ReasonMissingCredential   Reason = "missing_credential"
	ReasonMalformedCredential Reason = "malformed_credential"
	ReasonInvalidOrRevoked    Reason = "invalid_or_revoked"
	ReasonExpired             Reason = "expired"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonInsufficientCredit  Reason = "insufficient_credit"
	ReasonUpstreamError       Reason = "upstream_error"
)

// RejectionError 网关在任一阶段提前结束请求时返回的错误
//
// Err 保存内部原因，只用于日志，不会序列化给调用方。
type RejectionError struct {
	Kind       ErrorKind
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	Timeout    bool
	Err        error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// StatusCode 对应的 HTTP 状态码
func (e *RejectionError) StatusCode() int {
	switch e.Reason {
	case ReasonMissingCredential, ReasonMalformedCredential, ReasonInvalidOrRevoked:
		return http.StatusUnauthorized
	case ReasonExpired:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonInsufficientCredit:
		return http.StatusPaymentRequired
	case ReasonUpstreamError:
		if e.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Reject 构造拒绝错误
func Reject(kind ErrorKind, reason Reason, message string, cause error) *RejectionError {
	return &RejectionError{Kind: kind, Reason: reason, Message: message, Err: cause}
}

// AsRejection 从错误链中取出 RejectionError
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
