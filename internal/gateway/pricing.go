package gateway

import "creditgate/backend/internal/config"

// Pricing 每次成功调用的积分价格
type Pricing struct {
	defaultCost int64
	platforms   map[string]int64
}

// NewPricing 从配置构建价格表，未列出的平台使用默认价格
func NewPricing(cfg config.PricingConfig) *Pricing {
	platforms := make(map[string]int64, len(cfg.Endpoints))
	for name, cost := range cfg.Endpoints {
		platforms[name] = cost
	}
	defaultCost := cfg.DefaultCost
	if defaultCost <= 0 {
		defaultCost = 1
	}
	return &Pricing{defaultCost: defaultCost, platforms: platforms}
}

// Cost 返回平台的单次价格
func (p *Pricing) Cost(platform string) int64 {
	if cost, ok := p.platforms[platform]; ok {
		return cost
	}
	return p.defaultCost
}
