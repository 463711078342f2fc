package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditgate/backend/internal/config"
)

const idpSecret = "idp-shared-secret"

func signIdentity(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestIdentityVerifier(t *testing.T) {
	v := NewIdentityVerifier(config.IdentityConfig{Secret: idpSecret, Issuer: "https://idp.example", Audience: "creditgate"})
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("合法令牌", func(t *testing.T) {
		token := signIdentity(t, idpSecret, jwt.MapClaims{
			"sub": "user-42", "email": " Alice@Example.com ", "iss": "https://idp.example", "aud": "creditgate", "exp": exp,
		})

		identity, err := v.Verify("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "user-42", identity.Subject)
		assert.Equal(t, "alice@example.com", identity.Email)
	})

	tests := []struct {
		name   string
		secret string
		claims jwt.MapClaims
	}{
		{"签名错误", "wrong", jwt.MapClaims{"sub": "u", "iss": "https://idp.example", "aud": "creditgate", "exp": exp}},
		{"签发者错误", idpSecret, jwt.MapClaims{"sub": "u", "iss": "https://evil.example", "aud": "creditgate", "exp": exp}},
		{"受众错误", idpSecret, jwt.MapClaims{"sub": "u", "iss": "https://idp.example", "aud": "other", "exp": exp}},
		{"缺少 exp", idpSecret, jwt.MapClaims{"sub": "u", "iss": "https://idp.example", "aud": "creditgate"}},
		{"已过期", idpSecret, jwt.MapClaims{"sub": "u", "iss": "https://idp.example", "aud": "creditgate", "exp": time.Now().Add(-time.Hour).Unix()}},
		{"缺少 sub", idpSecret, jwt.MapClaims{"iss": "https://idp.example", "aud": "creditgate", "exp": exp}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(signIdentity(t, tt.secret, tt.claims))
			assert.ErrorIs(t, err, ErrInvalidIdentityToken)
		})
	}

	t.Run("空令牌", func(t *testing.T) {
		_, err := v.Verify("  ")
		assert.ErrorIs(t, err, ErrInvalidIdentityToken)
	})

	t.Run("未配置密钥", func(t *testing.T) {
		_, err := NewIdentityVerifier(config.IdentityConfig{}).Verify("x")
		assert.ErrorIs(t, err, ErrIdentityNotConfigured)
	})
}
