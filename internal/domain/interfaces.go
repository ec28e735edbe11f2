package domain

import "context"

// PriceFeed returns the latest traded price of a symbol. Implementations
// return ErrPriceUnavailable (possibly wrapped) when no price is known.
type PriceFeed interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderRequest is a single order submitted to the venue.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Size       float64 // base units
	Type       OrderType
	Leverage   int
	ReduceOnly bool
}

// PositionSide is the leg the order acts on: opening buys and reduce-only
// sells touch the long leg, the others the short leg.
func (r OrderRequest) PositionSide() Side {
	if (r.Side == OrderBuy) != r.ReduceOnly {
		return SideLong
	}
	return SideShort
}

// OrderFill is the venue confirmation of an order.
type OrderFill struct {
	OrderID     string
	FilledPrice float64
	FilledSize  float64
}

// OrderPlacer is the exchange-facing capability. All calls are at-most-once;
// retries are the implementation's concern, never the caller's.
//
// The venue account holds a long and a short leg per symbol. Stop loss and
// take profit apply to one whole leg; ClosePosition flattens both. A
// reduce-only order against an empty leg fails with ErrNothingToReduce.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderFill, error)
	SetStopLoss(ctx context.Context, symbol string, side Side, price float64) error
	SetTakeProfit(ctx context.Context, symbol string, side Side, price float64) error
	ClosePosition(ctx context.Context, symbol string) error
}

// SafetyResult is the answer of a safety check.
type SafetyResult struct {
	Safe   bool
	Reason string
}

// SafetyChecker decides whether new risk may be taken at a portfolio value.
type SafetyChecker interface {
	CheckSafety(ctx context.Context, portfolioValue float64) (SafetyResult, error)
}

// TradeRepository journals realized trades and signal executions.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *TradeRecord) error
	ListTrades(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error)

	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, symbol string, limit int) ([]*ExecutionRecord, error)
}
