package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "test-secret-key-for-development-32-chars-long-at-least"
	testWebhookSecret = "whsec_test"
)

// setRequired 设置必需的环境变量并重置 viper 全局状态
func setRequired(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Setenv("CREDITGATE_JWT_SECRET", testJWTSecret)
	t.Setenv("CREDITGATE_PAYMENT_WEBHOOK_SECRET", testWebhookSecret)
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		setRequired(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "creditgate", cfg.JWT.Issuer)
		assert.Equal(t, 15*time.Minute, cfg.JWT.AccessExpiry)
		assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshExpiry)
		assert.Equal(t, "memory", cfg.RateLimit.Backend)
		assert.Equal(t, LimitConfig{Requests: 30, Window: time.Minute}, cfg.RateLimit.Tiers["free"])
		assert.Equal(t, LimitConfig{Requests: 600, Window: time.Minute}, cfg.RateLimit.Tiers["premium"])
		assert.Equal(t, int64(1), cfg.Pricing.DefaultCost)
		assert.Empty(t, cfg.Pricing.Endpoints)
		assert.Equal(t, 5*time.Minute, cfg.Payment.SignatureTolerance)
		assert.Equal(t, 10, cfg.Usage.MaxConsecutiveFailures)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CREDITGATE_SERVER_PORT", "9090")
		t.Setenv("CREDITGATE_RATELIMIT_BACKEND", "redis")
		t.Setenv("CREDITGATE_RATELIMIT_TIERS_FREE_REQUESTS", "5")
		t.Setenv("CREDITGATE_PRICING_ENDPOINTS", "profile=2, posts=5")
		t.Setenv("CREDITGATE_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "redis", cfg.RateLimit.Backend)
		assert.Equal(t, 5, cfg.RateLimit.Tiers["free"].Requests)
		assert.Equal(t, map[string]int64{"profile": 2, "posts": 5}, cfg.Pricing.Endpoints)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	})

	t.Run("策略文件提供等级与价格", func(t *testing.T) {
		setRequired(t)
		path := filepath.Join(t.TempDir(), "policy.yaml")
		policy := []byte(`
ratelimit:
  tiers:
    standard:
      requests: 42
      window: 30s
pricing:
  default_cost: 3
  endpoints:
    profile: 4
`)
		require.NoError(t, os.WriteFile(path, policy, 0o600))
		t.Setenv("CREDITGATE_POLICY_FILE", path)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, LimitConfig{Requests: 42, Window: 30 * time.Second}, cfg.RateLimit.Tiers["standard"])
		assert.Equal(t, int64(3), cfg.Pricing.DefaultCost)
		assert.Equal(t, map[string]int64{"profile": 4}, cfg.Pricing.Endpoints)
	})

	t.Run("拒绝默认JWT密钥", func(t *testing.T) {
		viper.Reset()
		t.Setenv("CREDITGATE_JWT_SECRET", "change-me-in-production")
		t.Setenv("CREDITGATE_PAYMENT_WEBHOOK_SECRET", testWebhookSecret)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "default value")
	})

	t.Run("JWT密钥长度不足", func(t *testing.T) {
		viper.Reset()
		t.Setenv("CREDITGATE_JWT_SECRET", "short")
		t.Setenv("CREDITGATE_PAYMENT_WEBHOOK_SECRET", testWebhookSecret)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "32 characters")
	})

	t.Run("缺少支付回调密钥", func(t *testing.T) {
		viper.Reset()
		t.Setenv("CREDITGATE_JWT_SECRET", testJWTSecret)
		t.Setenv("CREDITGATE_PAYMENT_WEBHOOK_SECRET", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("非法价格", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CREDITGATE_PRICING_ENDPOINTS", "profile=zero")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("写超时必须大于上游超时", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CREDITGATE_UPSTREAM_TIMEOUT", "90s")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"单项", "a", []string{"a"}},
		{"多项带空白", " a , b,, c ", []string{"a", "b", "c"}},
		{"空字符串", "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseList(tt.input))
		})
	}
}
