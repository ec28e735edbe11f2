package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
)

// CostConfig parameterizes the trading cost model. Fee rates are fractions
// (0.00055 == 0.055%), every *Pct field is in percent units.
type CostConfig struct {
	MakerFeeRate         float64 `yaml:"maker_fee_rate"`
	TakerFeeRate         float64 `yaml:"taker_fee_rate"`
	BaseSlippagePct      float64 `yaml:"base_slippage_pct"`
	SizeImpactPct        float64 `yaml:"size_impact_pct"` // per $1000 of order value
	VolatilityMultiplier float64 `yaml:"volatility_multiplier"`
	MaxSlippagePct       float64 `yaml:"max_slippage_pct"`
	MarginalBufferPct    float64 `yaml:"marginal_buffer_pct"`
}

func DefaultCostConfig() CostConfig {
	return CostConfig{
		MakerFeeRate:         0.0002,
		TakerFeeRate:         0.00055,
		BaseSlippagePct:      0.02,
		SizeImpactPct:        0.01,
		VolatilityMultiplier: 0.5,
		MaxSlippagePct:       1.0,
		MarginalBufferPct:    0.1,
	}
}

func (c CostConfig) Validate() error {
	switch {
	case c.MakerFeeRate < 0:
		return &domain.ConfigurationError{Field: "costs.maker_fee_rate", Reason: "must not be negative"}
	case c.TakerFeeRate < 0:
		return &domain.ConfigurationError{Field: "costs.taker_fee_rate", Reason: "must not be negative"}
	case c.BaseSlippagePct < 0 || c.SizeImpactPct < 0 || c.VolatilityMultiplier < 0:
		return &domain.ConfigurationError{Field: "costs.slippage", Reason: "must not be negative"}
	case c.MaxSlippagePct <= 0:
		return &domain.ConfigurationError{Field: "costs.max_slippage_pct", Reason: "must be positive"}
	case c.MarginalBufferPct < 0:
		return &domain.ConfigurationError{Field: "costs.marginal_buffer_pct", Reason: "must not be negative"}
	}
	return nil
}

// SpacingClass classifies a grid spacing against the break-even spacing.
type SpacingClass string

const (
	SpacingSafe         SpacingClass = "safe"
	SpacingMarginal     SpacingClass = "marginal"
	SpacingUnprofitable SpacingClass = "unprofitable"
)

// CostModel is a pure calculator; it holds no mutable state.
type CostModel struct {
	cfg CostConfig
}

func NewCostModel(cfg CostConfig) *CostModel {
	return &CostModel{cfg: cfg}
}

func (m *CostModel) Config() CostConfig {
	return m.cfg
}

// SlippagePct returns the expected slippage in percent for an order.
// Limit orders are assumed to rest and never slip.
func (m *CostModel) SlippagePct(orderValueUSD float64, isMarket bool, volatilityFactor float64) float64 {
	if !isMarket {
		return 0
	}
	slip := m.cfg.BaseSlippagePct + m.cfg.SizeImpactPct*(orderValueUSD/1000)
	slip *= 1 + m.cfg.VolatilityMultiplier*volatilityFactor
	return math.Min(slip, m.cfg.MaxSlippagePct)
}

func (m *CostModel) feeRate(isMarket bool) float64 {
	if isMarket {
		return m.cfg.TakerFeeRate
	}
	return m.cfg.MakerFeeRate
}

// Quote prices one order: entry and matching exit fee, this order's
// slippage and the effective fill price shifted against the taker.
func (m *CostModel) Quote(orderValueUSD float64, side domain.OrderSide, isMarket bool, currentPrice, volatilityFactor float64) (domain.CostQuote, error) {
	if orderValueUSD < 0 {
		return domain.CostQuote{}, fmt.Errorf("%w: negative order value %f", domain.ErrInvalidCostInput, orderValueUSD)
	}
	if currentPrice <= 0 {
		return domain.CostQuote{}, fmt.Errorf("%w: non-positive price %f", domain.ErrInvalidCostInput, currentPrice)
	}
	if volatilityFactor < 0 {
		return domain.CostQuote{}, fmt.Errorf("%w: negative volatility factor %f", domain.ErrInvalidCostInput, volatilityFactor)
	}
	if side != domain.OrderBuy && side != domain.OrderSell {
		return domain.CostQuote{}, fmt.Errorf("%w: unknown order side %q", domain.ErrInvalidCostInput, side)
	}

	fee := orderValueUSD * m.feeRate(isMarket)
	slipPct := m.SlippagePct(orderValueUSD, isMarket, volatilityFactor)
	slipCost := orderValueUSD * slipPct / 100

	effective := currentPrice * (1 + slipPct/100)
	if side == domain.OrderSell {
		effective = currentPrice * (1 - slipPct/100)
	}

	return domain.CostQuote{
		EntryFee:       fee,
		ExitFee:        fee,
		SlippagePct:    slipPct,
		SlippageCost:   slipCost,
		TotalCost:      2*fee + slipCost,
		EffectivePrice: effective,
		PriceImpactPct: slipPct,
	}, nil
}

// FundingAccrual is the signed P&L impact of funding on a held position.
// Longs pay a positive rate and shorts receive it; a negative rate reverses
// the flow. Only whole elapsed periods accrue.
func (m *CostModel) FundingAccrual(positionValue float64, side domain.Side, ratePerPeriod, periodsHeld float64) float64 {
	if periodsHeld < 1 || positionValue <= 0 {
		return 0
	}
	return -side.Sign() * positionValue * ratePerPeriod * math.Floor(periodsHeld)
}

// RoundTripCost is the cost of entering and exiting with market orders.
func (m *CostModel) RoundTripCost(orderValueUSD float64) float64 {
	fees := 2 * orderValueUSD * m.cfg.TakerFeeRate
	slip := 2 * orderValueUSD * m.SlippagePct(orderValueUSD, true, 0) / 100
	return fees + slip
}

// MinProfitableSpacing is the spacing, in percent, at which the round-trip
// cost equals the gross profit of one grid step.
func (m *CostModel) MinProfitableSpacing(orderValueUSD float64) float64 {
	if orderValueUSD <= 0 {
		return 2 * m.cfg.TakerFeeRate * 100
	}
	return m.RoundTripCost(orderValueUSD) / orderValueUSD * 100
}

// NetSpacingProfitPct is the profit of one grid step after round-trip costs.
func (m *CostModel) NetSpacingProfitPct(spacingPct, orderValueUSD float64) float64 {
	return spacingPct - m.MinProfitableSpacing(orderValueUSD)
}

func (m *CostModel) ClassifySpacing(spacingPct, orderValueUSD float64) SpacingClass {
	minSpacing := m.MinProfitableSpacing(orderValueUSD)
	switch {
	case spacingPct < minSpacing:
		return SpacingUnprofitable
	case spacingPct < minSpacing+m.cfg.MarginalBufferPct:
		return SpacingMarginal
	}
	return SpacingSafe
}
