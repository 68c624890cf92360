// Package dispatch 实现带失效转移的上游调度
package dispatch

import (
	"strings"

	"nano-banana-proxy/internal/config"
)

// Pricer 模型计价：精确名 > 最长家族前缀 > 兜底价
type Pricer struct {
	cfg *config.PricingConfig
}

// NewPricer 创建计价器
func NewPricer(cfg *config.PricingConfig) *Pricer {
	return &Pricer{cfg: cfg}
}

// PriceOf 返回指定模型单次调用的点数
func (p *Pricer) PriceOf(model string) int64 {
	if price, ok := p.cfg.Models[model]; ok {
		return price
	}

	var bestPrefix string
	var bestPrice int64
	for prefix, price := range p.cfg.Families {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPrice = price
		}
	}
	if bestPrefix != "" {
		return bestPrice
	}

	return p.cfg.Default
}
