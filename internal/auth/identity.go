// Package auth 校验外部身份提供方签发的令牌，用于换取所有者会话。
package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"creditgate/backend/internal/config"
)

var (
	// ErrIdentityNotConfigured 未配置 IdP 密钥
	ErrIdentityNotConfigured = errors.New("identity provider not configured")
	// ErrInvalidIdentityToken IdP 令牌无效
	ErrInvalidIdentityToken = errors.New("invalid identity token")
)

// Identity IdP 令牌中与账户相关的信息
type Identity struct {
	Subject string
	Email   string
}

type identityClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityVerifier 校验 IdP 令牌 (HS256)
type IdentityVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewIdentityVerifier 根据配置创建校验器
func NewIdentityVerifier(cfg config.IdentityConfig) *IdentityVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &IdentityVerifier{
		secret: []byte(cfg.Secret),
		opts:   opts,
	}
}

// Verify 校验令牌并返回身份
func (v *IdentityVerifier) Verify(token string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, ErrIdentityNotConfigured
	}

	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrInvalidIdentityToken
	}

	claims := &identityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidIdentityToken
	}

	if claims.Subject == "" {
		return nil, ErrInvalidIdentityToken
	}

	return &Identity{
		Subject: claims.Subject,
		Email:   strings.ToLower(strings.TrimSpace(claims.Email)),
	}, nil
}
