package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
)

type SafetyConfig struct {
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct"`
	MinPortfolioValue float64 `yaml:"min_portfolio_value"`
}

func (c SafetyConfig) Validate() error {
	switch {
	case c.MaxDrawdownPct < 0 || c.MaxDrawdownPct >= 100:
		return &domain.ConfigurationError{Field: "safety.max_drawdown_pct", Reason: "must be in [0, 100)"}
	case c.MinPortfolioValue < 0:
		return &domain.ConfigurationError{Field: "safety.min_portfolio_value", Reason: "must not be negative"}
	}
	return nil
}

// SafetyGuard blocks new risk once the portfolio fell too far from its peak
// or below a floor. Zero limits are disabled.
type SafetyGuard struct {
	cfg SafetyConfig

	mu   sync.Mutex
	peak float64
}

func NewSafetyGuard(cfg SafetyConfig) *SafetyGuard {
	return &SafetyGuard{cfg: cfg}
}

func (g *SafetyGuard) CheckSafety(ctx context.Context, portfolioValue float64) (domain.SafetyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if portfolioValue > g.peak {
		g.peak = portfolioValue
	}
	if g.cfg.MinPortfolioValue > 0 && portfolioValue < g.cfg.MinPortfolioValue {
		return domain.SafetyResult{
			Reason: fmt.Sprintf("Portfolio value %.2f below minimum %.2f", portfolioValue, g.cfg.MinPortfolioValue),
		}, nil
	}
	if g.cfg.MaxDrawdownPct > 0 && g.peak > 0 {
		dd := (g.peak - portfolioValue) / g.peak * 100
		if dd >= g.cfg.MaxDrawdownPct {
			return domain.SafetyResult{
				Reason: fmt.Sprintf("Drawdown %.2f%% exceeds limit %.2f%%", dd, g.cfg.MaxDrawdownPct),
			}, nil
		}
	}
	return domain.SafetyResult{Safe: true}, nil
}

// Peak is the highest portfolio value observed.
func (g *SafetyGuard) Peak() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
