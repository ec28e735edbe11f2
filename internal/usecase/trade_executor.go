package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"go.uber.org/zap"
)

const DefaultOrderTimeout = 5 * time.Second

type TradeExecutor struct {
	placer  domain.OrderPlacer
	timeout time.Duration
	logger  *zap.Logger
}

func NewTradeExecutor(placer domain.OrderPlacer, timeout time.Duration, logger *zap.Logger) *TradeExecutor {
	if timeout <= 0 {
		timeout = DefaultOrderTimeout
	}
	return &TradeExecutor{
		placer:  placer,
		timeout: timeout,
		logger:  logger,
	}
}

// Open submits a market order that opens a position of the given side.
func (e *TradeExecutor) Open(ctx context.Context, symbol string, side domain.Side, size float64, leverage int) (domain.OrderFill, error) {
	if side != domain.SideLong && side != domain.SideShort {
		return domain.OrderFill{}, fmt.Errorf("invalid side: %s", side)
	}
	return e.place(ctx, domain.OrderRequest{
		Symbol:   symbol,
		Side:     side.EntryOrderSide(),
		Size:     size,
		Type:     domain.OrderMarket,
		Leverage: leverage,
	})
}

// Reduce submits a reduce-only market order against a position of the given side.
func (e *TradeExecutor) Reduce(ctx context.Context, symbol string, side domain.Side, size float64) (domain.OrderFill, error) {
	if side != domain.SideLong && side != domain.SideShort {
		return domain.OrderFill{}, fmt.Errorf("invalid side: %s", side)
	}
	return e.place(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       side.ExitOrderSide(),
		Size:       size,
		Type:       domain.OrderMarket,
		ReduceOnly: true,
	})
}

func (e *TradeExecutor) place(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	fill, err := e.placer.PlaceOrder(ctx, req)
	if err != nil {
		return domain.OrderFill{}, fmt.Errorf("place %s %s %.6f: %w", req.Side, req.Symbol, req.Size, err)
	}
	if fill.FilledPrice <= 0 {
		return domain.OrderFill{}, fmt.Errorf("place %s %s: venue returned no fill price", req.Side, req.Symbol)
	}
	if fill.FilledSize <= 0 {
		fill.FilledSize = req.Size
	}
	e.logger.Info("Order filled",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("size", fill.FilledSize),
		zap.Float64("price", fill.FilledPrice),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("order_id", fill.OrderID))
	return fill, nil
}

// Protect places stop-loss and take-profit orders on one leg. Failures are
// logged and not returned: the position exists either way.
func (e *TradeExecutor) Protect(ctx context.Context, symbol string, side domain.Side, stopLoss, takeProfit float64) {
	if stopLoss > 0 {
		sctx, cancel := context.WithTimeout(ctx, e.timeout)
		if err := e.placer.SetStopLoss(sctx, symbol, side, stopLoss); err != nil {
			e.logger.Warn("Failed to set stop loss", zap.String("symbol", symbol), zap.String("side", string(side)), zap.Float64("price", stopLoss), zap.Error(err))
		}
		cancel()
	}
	if takeProfit > 0 {
		tctx, cancel := context.WithTimeout(ctx, e.timeout)
		if err := e.placer.SetTakeProfit(tctx, symbol, side, takeProfit); err != nil {
			e.logger.Warn("Failed to set take profit", zap.String("symbol", symbol), zap.String("side", string(side)), zap.Float64("price", takeProfit), zap.Error(err))
		}
		cancel()
	}
}

// CloseAll closes every venue position of the symbol.
func (e *TradeExecutor) CloseAll(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.placer.ClosePosition(ctx, symbol); err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}
	return nil
}
