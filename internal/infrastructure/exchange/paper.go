package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"go.uber.org/zap"
)

// PaperBroker fills market orders locally at the feed price moved against
// the taker by slippagePct. Long and short legs are kept apart per symbol,
// like a hedge-mode account, and each leg carries its own stop loss and take
// profit which execute when LatestPrice observes them crossed.
type PaperBroker struct {
	feed        domain.PriceFeed
	slippagePct float64
	logger      *zap.Logger

	mu    sync.Mutex
	books map[string]*paperBook
	stops map[legKey]float64
	takes map[legKey]float64
}

type paperBook struct {
	long  decimal.Decimal
	short decimal.Decimal
}

func (b *paperBook) leg(side domain.Side) *decimal.Decimal {
	if side == domain.SideShort {
		return &b.short
	}
	return &b.long
}

type legKey struct {
	symbol string
	side   domain.Side
}

func NewPaperBroker(feed domain.PriceFeed, slippagePct float64, logger *zap.Logger) *PaperBroker {
	return &PaperBroker{
		feed:        feed,
		slippagePct: slippagePct,
		logger:      logger,
		books:       make(map[string]*paperBook),
		stops:       make(map[legKey]float64),
		takes:       make(map[legKey]float64),
	}
}

// LatestPrice returns the feed price after executing any leg protection the
// price has crossed.
func (p *PaperBroker) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := p.feed.LatestPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.triggerLocked(symbol, price)
	p.mu.Unlock()
	return price, nil
}

func (p *PaperBroker) triggerLocked(symbol string, price float64) {
	book, ok := p.books[symbol]
	if !ok {
		return
	}
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		key := legKey{symbol, side}
		leg := book.leg(side)
		if leg.IsZero() {
			continue
		}
		stop, take := p.stops[key], p.takes[key]
		var reason string
		switch {
		case stop > 0 && (price-stop)*side.Sign() <= 0:
			reason = "stop_loss"
		case take > 0 && (price-take)*side.Sign() >= 0:
			reason = "take_profit"
		default:
			continue
		}
		p.logger.Info("Paper leg protection executed",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("reason", reason),
			zap.String("size", leg.String()),
			zap.Float64("price", price))
		*leg = decimal.Zero
		delete(p.stops, key)
		delete(p.takes, key)
	}
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	if req.Size <= 0 {
		return domain.OrderFill{}, fmt.Errorf("paper order size must be positive, got %v", req.Size)
	}
	last, err := p.feed.LatestPrice(ctx, req.Symbol)
	if err != nil {
		return domain.OrderFill{}, err
	}

	price := decimal.NewFromFloat(last)
	slip := price.Mul(decimal.NewFromFloat(p.slippagePct / 100))
	if req.Side == domain.OrderSell {
		price = price.Sub(slip)
	} else {
		price = price.Add(slip)
	}

	size := decimal.NewFromFloat(req.Size)
	p.mu.Lock()
	book, ok := p.books[req.Symbol]
	if !ok {
		book = &paperBook{}
		p.books[req.Symbol] = book
	}
	leg := book.leg(req.PositionSide())
	if req.ReduceOnly {
		if leg.IsZero() {
			p.mu.Unlock()
			return domain.OrderFill{}, fmt.Errorf("paper reduce-only %s %s: %w", req.Side, req.Symbol, domain.ErrNothingToReduce)
		}
		if size.GreaterThan(*leg) {
			size = *leg
		}
		*leg = leg.Sub(size)
	} else {
		*leg = leg.Add(size)
	}
	p.mu.Unlock()

	fill := domain.OrderFill{
		OrderID:     "paper-" + uuid.NewString(),
		FilledPrice: price.InexactFloat64(),
		FilledSize:  size.InexactFloat64(),
	}
	p.logger.Debug("Paper fill",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("size", fill.FilledSize),
		zap.Float64("price", fill.FilledPrice))
	return fill, nil
}

func (p *PaperBroker) SetStopLoss(ctx context.Context, symbol string, side domain.Side, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops[legKey{symbol, side}] = price
	return nil
}

func (p *PaperBroker) SetTakeProfit(ctx context.Context, symbol string, side domain.Side, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.takes[legKey{symbol, side}] = price
	return nil
}

func (p *PaperBroker) ClosePosition(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.books, symbol)
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		delete(p.stops, legKey{symbol, side})
		delete(p.takes, legKey{symbol, side})
	}
	return nil
}

// Legs returns the long and short base size held for symbol.
func (p *PaperBroker) Legs(symbol string) (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.books[symbol]
	if !ok {
		return 0, 0
	}
	return b.long.InexactFloat64(), b.short.InexactFloat64()
}

// Protection returns the stop loss and take profit resting on one leg.
func (p *PaperBroker) Protection(symbol string, side domain.Side) (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := legKey{symbol, side}
	return p.stops[key], p.takes[key]
}
