package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader 支付回调签名请求头
const SignatureHeader = "X-Payment-Signature"

var (
	// ErrInvalidSignature 签名缺失、格式错误或不匹配
	ErrInvalidSignature = errors.New("invalid payment signature")
	// ErrSignatureExpired 签名时间戳超出允许偏差
	ErrSignatureExpired = errors.New("payment signature timestamp outside tolerance")
)

// SignatureVerifier 校验 "t=<unix>,v1=<hex>" 形式的 HMAC-SHA256 签名
//
// 签名内容为 t + "." + 原始请求体。
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier 创建签名校验器，tolerance <= 0 时不检查时间戳
func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	return &SignatureVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify 校验签名头与请求体
func (v *SignatureVerifier) Verify(header string, body []byte) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return ErrSignatureExpired
		}
	}

	expected := computeSignature(v.secret, timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload 生成签名头，测试与运维工具使用
func SignPayload(secret string, at time.Time, body []byte) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature([]byte(secret), ts, body)))
}

func computeSignature(secret []byte, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// parseSignatureHeader 解析签名头，允许多个 v1（密钥轮换期间）
func parseSignatureHeader(header string) (int64, [][]byte, error) {
	var (
		timestamp  int64
		hasTS      bool
		signatures [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidSignature
			}
			timestamp, hasTS = ts, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if !hasTS || len(signatures) == 0 {
		return 0, nil, ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
