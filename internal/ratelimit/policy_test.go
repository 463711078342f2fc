package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
)

func TestTierPolicy(t *testing.T) {
	policy := NewTierPolicy(config.RateLimitConfig{
		Anonymous: config.LimitConfig{Requests: 300, Window: time.Minute},
		Tiers: map[string]config.LimitConfig{
			"free":    {Requests: 30, Window: time.Minute},
			"premium": {Requests: 600, Window: time.Minute},
		},
	})

	assert.Equal(t, Limit{Requests: 300, Window: time.Minute}, policy.Anonymous())
	assert.Equal(t, 600, policy.ForTier(domain.TierPremium).Requests)
	assert.Equal(t, 30, policy.ForTier(domain.TierFree).Requests)

	t.Run("未配置的等级按 free 处理", func(t *testing.T) {
		assert.Equal(t, 30, policy.ForTier(domain.TierStandard).Requests)
		assert.Equal(t, 30, policy.ForTier(domain.Tier("unknown")).Requests)
	})
}
