package ratelimit

import (
	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
)

// TierPolicy 账户等级到限流上限的映射
type TierPolicy struct {
	anonymous Limit
	tiers     map[domain.Tier]Limit
}

// NewTierPolicy 从配置构建策略
func NewTierPolicy(cfg config.RateLimitConfig) *TierPolicy {
	tiers := make(map[domain.Tier]Limit, len(cfg.Tiers))
	for name, l := range cfg.Tiers {
		tiers[domain.Tier(name)] = Limit{Requests: l.Requests, Window: l.Window}
	}
	return &TierPolicy{
		anonymous: Limit{Requests: cfg.Anonymous.Requests, Window: cfg.Anonymous.Window},
		tiers:     tiers,
	}
}

// Anonymous 认证前按 IP 的上限
func (p *TierPolicy) Anonymous() Limit {
	return p.anonymous
}

// ForTier 返回等级对应的上限，未配置的等级按 free 处理
func (p *TierPolicy) ForTier(tier domain.Tier) Limit {
	if l, ok := p.tiers[tier]; ok {
		return l
	}
	return p.tiers[domain.TierFree]
}
