package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
)

type staticFeed map[string]float64

func (f staticFeed) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	p, ok := f[symbol]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return p, nil
}

func TestPaperBroker_FillsWithSlippage(t *testing.T) {
	p := NewPaperBroker(staticFeed{"BTCUSDT": 100}, 0.05, zap.NewNop())
	ctx := context.Background()

	buy, err := p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderBuy, Size: 2})
	require.NoError(t, err)
	assert.InDelta(t, 100.05, buy.FilledPrice, 1e-9)
	assert.InDelta(t, 2, buy.FilledSize, 1e-12)
	assert.Contains(t, buy.OrderID, "paper-")

	sell, err := p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSell, Size: 1})
	require.NoError(t, err)
	assert.InDelta(t, 99.95, sell.FilledPrice, 1e-9)
	assert.NotEqual(t, buy.OrderID, sell.OrderID)

	long, short := p.Legs("BTCUSDT")
	assert.InDelta(t, 2, long, 1e-12)
	assert.InDelta(t, 1, short, 1e-12)

	_, err = p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "ETHUSDT", Side: domain.OrderBuy, Size: 1})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestPaperBroker_ReduceOnly(t *testing.T) {
	p := NewPaperBroker(staticFeed{"BTCUSDT": 100}, 0, zap.NewNop())
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderBuy, Size: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, domain.ErrNothingToReduce)

	_, err = p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSell, Size: 3})
	require.NoError(t, err)

	fill, err := p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderBuy, Size: 5, ReduceOnly: true})
	require.NoError(t, err)
	assert.InDelta(t, 3, fill.FilledSize, 1e-12, "clamped to the short leg")

	long, short := p.Legs("BTCUSDT")
	assert.Zero(t, long)
	assert.Zero(t, short)
}

func TestPaperBroker_ProtectionAndClose(t *testing.T) {
	p := NewPaperBroker(staticFeed{"BTCUSDT": 100}, 0, zap.NewNop())
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderBuy, Size: 1})
	require.NoError(t, err)
	require.NoError(t, p.SetStopLoss(ctx, "BTCUSDT", domain.SideLong, 95))
	require.NoError(t, p.SetTakeProfit(ctx, "BTCUSDT", domain.SideLong, 101))
	require.NoError(t, p.SetStopLoss(ctx, "BTCUSDT", domain.SideShort, 104))
	sl, tp := p.Protection("BTCUSDT", domain.SideLong)
	assert.Equal(t, 95.0, sl)
	assert.Equal(t, 101.0, tp)
	sl, _ = p.Protection("BTCUSDT", domain.SideShort)
	assert.Equal(t, 104.0, sl, "legs are protected separately")

	require.NoError(t, p.ClosePosition(ctx, "BTCUSDT"))
	long, _ := p.Legs("BTCUSDT")
	assert.Zero(t, long)
	sl, _ = p.Protection("BTCUSDT", domain.SideLong)
	assert.Zero(t, sl)
	sl, _ = p.Protection("BTCUSDT", domain.SideShort)
	assert.Zero(t, sl)
}

func TestPaperBroker_LegProtectionExecutesOnPrice(t *testing.T) {
	feed := staticFeed{"BTCUSDT": 100}
	p := NewPaperBroker(feed, 0, zap.NewNop())
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderBuy, Size: 2})
	require.NoError(t, err)
	_, err = p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSell, Size: 1})
	require.NoError(t, err)
	require.NoError(t, p.SetTakeProfit(ctx, "BTCUSDT", domain.SideLong, 102))
	require.NoError(t, p.SetStopLoss(ctx, "BTCUSDT", domain.SideShort, 103))

	feed["BTCUSDT"] = 101.5
	_, err = p.LatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	long, short := p.Legs("BTCUSDT")
	assert.InDelta(t, 2, long, 1e-12)
	assert.InDelta(t, 1, short, 1e-12)

	feed["BTCUSDT"] = 102.5
	price, err := p.LatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 102.5, price)
	long, short = p.Legs("BTCUSDT")
	assert.Zero(t, long, "take profit flattened the long leg")
	assert.InDelta(t, 1, short, 1e-12, "short stop not reached")
	_, tp := p.Protection("BTCUSDT", domain.SideLong)
	assert.Zero(t, tp)

	_, err = p.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSell, Size: 1, ReduceOnly: true})
	assert.ErrorIs(t, err, domain.ErrNothingToReduce)
}
