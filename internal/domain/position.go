package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide is the order side that opens a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitOrderSide is the order side that reduces a position of this side.
func (s Side) ExitOrderSide() OrderSide {
	return s.Opposite().EntryOrderSide()
}

type OrderSide string

const (
	OrderBuy  OrderSide = "Buy"
	OrderSell OrderSide = "Sell"
)

type OrderType string

const (
	OrderMarket OrderType = "Market"
	OrderLimit  OrderType = "Limit"
)

// PositionOrigin records what caused a position to be materialized.
type PositionOrigin string

const (
	OriginGrid   PositionOrigin = "grid"
	OriginSignal PositionOrigin = "signal"
	OriginManual PositionOrigin = "manual"
)

// RealPosition is a capital-backed position confirmed by a fill.
type RealPosition struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	Side             Side           `json:"side"`
	Size             float64        `json:"size"`
	SizeUSD          float64        `json:"size_usd"`
	EntryPrice       float64        `json:"entry_price"`
	CurrentPrice     float64        `json:"current_price"`
	Leverage         int            `json:"leverage"`
	MarginUsed       float64        `json:"margin_used"`
	StopLoss         float64        `json:"stop_loss"`
	TakeProfit       float64        `json:"take_profit"`
	EntryTime        time.Time      `json:"entry_time"`
	EntryFee         float64        `json:"entry_fee"`
	UnrealizedPnL    float64        `json:"unrealized_pnl"`
	UnrealizedPnLPct float64        `json:"unrealized_pnl_pct"`
	LiquidationPrice float64        `json:"liquidation_price"`
	LevelID          string         `json:"level_id,omitempty"`
	Origin           PositionOrigin `json:"origin"`
}

// Notional is the current USD value of the position.
func (p *RealPosition) Notional() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Size * price
}

// TradeRecord is a realized (partial or full) close of a RealPosition.
type TradeRecord struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	LevelID     string    `json:"level_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	ClosedSize  float64   `json:"closed_size"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	GrossPnL    float64   `json:"gross_pnl"`
	Fees        float64   `json:"fees"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	FullyClosed bool      `json:"fully_closed"`
	ClosedAt    time.Time `json:"closed_at"`
}

// ExposureBias is the aggregate long/short notional of a position set.
type ExposureBias struct {
	LongUSD      float64 `json:"long_usd"`
	ShortUSD     float64 `json:"short_usd"`
	ImbalancePct float64 `json:"imbalance_pct"`
	Underweight  Side    `json:"underweight,omitempty"`
}

// CostQuote is the ephemeral cost estimate of a single order decision.
type CostQuote struct {
	EntryFee       float64 `json:"entry_fee"`
	ExitFee        float64 `json:"exit_fee"`
	SlippagePct    float64 `json:"slippage_pct"`
	SlippageCost   float64 `json:"slippage_cost"`
	FundingCost    float64 `json:"funding_cost"`
	TotalCost      float64 `json:"total_cost"`
	EffectivePrice float64 `json:"effective_price"`
	PriceImpactPct float64 `json:"price_impact_pct"`
}
