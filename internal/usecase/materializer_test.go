package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/infrastructure/exchange"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
)

func newTestMaterializer(cfg domain.GridConfig, placer *MockPlacer, leverageCap int) *usecase.PositionMaterializer {
	costs := usecase.NewCostModel(usecase.DefaultCostConfig())
	exec := usecase.NewTradeExecutor(placer, time.Second, zap.NewNop())
	return usecase.NewPositionMaterializer(cfg, costs, exec, leverageCap, zap.NewNop())
}

func TestMaterializer_TryOpenSizing(t *testing.T) {
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(testGridConfig(), placer, 20)

	pos, err := m.TryOpen(context.Background(), usecase.OpenRequest{
		Side: domain.SideLong, Price: 100, LevelID: "lvl-1", Origin: domain.OriginGrid,
	})
	require.NoError(t, err)

	// 1000 * (1 - 0.5) / 5 = 100 margin at 10x, sized at the slipped price
	assert.Equal(t, 10, pos.Leverage)
	assert.InDelta(t, 100, pos.MarginUsed, 1e-9)
	assert.InDelta(t, 1000/100.03, pos.Size, 1e-9)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.InDelta(t, 90.5, pos.LiquidationPrice, 1e-9)
	assert.Equal(t, "lvl-1", pos.LevelID)
	assert.Zero(t, pos.StopLoss)
	assert.InDelta(t, 101, pos.TakeProfit, 1e-9)

	require.Len(t, placer.Orders, 1)
	assert.Equal(t, domain.OrderBuy, placer.Orders[0].Side)
	assert.False(t, placer.Orders[0].ReduceOnly)

	assert.InDelta(t, 100, m.CommittedMargin(), 1e-9)
	assert.InDelta(t, 400, m.AvailableCapital(), 1e-9)
	require.NoError(t, m.CheckInvariants())
}

func TestMaterializer_ConcurrentTryOpenIsBounded(t *testing.T) {
	placer := &MockPlacer{Price: 100, Delay: 5 * time.Millisecond}
	m := newTestMaterializer(testGridConfig(), placer, 20)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		opened   int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.TryOpen(context.Background(), usecase.OpenRequest{Side: domain.SideShort, Price: 100, Origin: domain.OriginGrid})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				opened++
				return
			}
			if domain.IsRejected(err, domain.RejectMaxPositions) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, opened)
	assert.Equal(t, 15, rejected)
	assert.Len(t, m.Positions(), 5)
	assert.InDelta(t, 500, m.CommittedMargin(), 1e-9)
	assert.LessOrEqual(t, m.CommittedMargin(), testGridConfig().ActiveCapital()+1e-9)
	require.NoError(t, m.CheckInvariants())
}

func TestMaterializer_CapitalCapAndMinimum(t *testing.T) {
	cfg := testGridConfig()
	cfg.FixedLevelSizeUSD = 300
	m := newTestMaterializer(cfg, &MockPlacer{Price: 100}, 20)
	ctx := context.Background()

	first, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)
	assert.InDelta(t, 300, first.MarginUsed, 1e-9)

	// Only 200 of active capital is left
	second, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)
	assert.InDelta(t, 200, second.MarginUsed, 1e-9)

	_, err = m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	assert.True(t, domain.IsRejected(err, domain.RejectBelowMinimumOrder))
	assert.Equal(t, "below minimum order value: $0.00 < $10.00", err.Error())
}

func TestMaterializer_LeverageClamp(t *testing.T) {
	m := newTestMaterializer(testGridConfig(), &MockPlacer{Price: 100}, 5)
	pos, err := m.TryOpen(context.Background(), usecase.OpenRequest{Side: domain.SideLong, Price: 100, Leverage: 50})
	require.NoError(t, err)
	assert.Equal(t, 5, pos.Leverage)
	assert.InDelta(t, 500/100.03, pos.Size, 1e-6)

	blocked := newTestMaterializer(testGridConfig(), &MockPlacer{Price: 100}, 0)
	_, err = blocked.TryOpen(context.Background(), usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	assert.True(t, domain.IsRejected(err, domain.RejectLeverageLimit))
}

func TestMaterializer_PlacementFailureReleasesReservation(t *testing.T) {
	placer := &MockPlacer{Price: 100, Fail: true}
	m := newTestMaterializer(testGridConfig(), placer, 20)

	_, err := m.TryOpen(context.Background(), usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	assert.True(t, domain.IsRejected(err, domain.RejectOrderPlacement))
	assert.Empty(t, m.Positions())
	assert.InDelta(t, 500, m.AvailableCapital(), 1e-9)
	require.NoError(t, m.CheckInvariants())
}

func TestMaterializer_RoundTripAccounting(t *testing.T) {
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(testGridConfig(), placer, 20)
	ctx := context.Background()

	pos, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)

	placer.SetPrice(101)
	trade, err := m.Close(ctx, pos.ID, 101, "manual")
	require.NoError(t, err)

	size := 1000 / 100.03
	gross := size * 1
	fees := size*100*0.00055 + size*101*0.00055

	assert.True(t, trade.FullyClosed)
	assert.InDelta(t, size, trade.ClosedSize, 1e-9)
	assert.InDelta(t, gross, trade.GrossPnL, 1e-9)
	assert.InDelta(t, fees, trade.Fees, 1e-9)
	assert.InDelta(t, gross-fees, trade.RealizedPnL, 1e-9)

	assert.InDelta(t, 1000+gross-fees, m.Balance(), 1e-9)
	assert.InDelta(t, m.Balance(), m.Equity(), 1e-9)
	assert.Zero(t, m.CommittedMargin())
	assert.InDelta(t, 500, m.AvailableCapital(), 1e-9)
	assert.Empty(t, m.Positions())

	require.Len(t, placer.Orders, 2)
	assert.Equal(t, domain.OrderSell, placer.Orders[1].Side)
	assert.True(t, placer.Orders[1].ReduceOnly)
}

func TestMaterializer_ReduceAndDust(t *testing.T) {
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(testGridConfig(), placer, 20)
	ctx := context.Background()

	pos, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideShort, Price: 100})
	require.NoError(t, err)

	trade, err := m.Reduce(ctx, pos.ID, 50, 100, "rebalance")
	require.NoError(t, err)
	assert.False(t, trade.FullyClosed)

	left, ok := m.Position(pos.ID)
	require.True(t, ok)
	assert.InDelta(t, pos.Size/2, left.Size, 1e-9)
	assert.InDelta(t, 50, left.MarginUsed, 1e-9)
	assert.InDelta(t, 50, m.CommittedMargin(), 1e-9)

	// The residual would be dust, so the position closes fully
	trade, err = m.Reduce(ctx, pos.ID, 99.999, 100, "rebalance")
	require.NoError(t, err)
	assert.True(t, trade.FullyClosed)
	assert.InDelta(t, left.Size, trade.ClosedSize, 1e-12)
	_, ok = m.Position(pos.ID)
	assert.False(t, ok)
	require.NoError(t, m.CheckInvariants())

	_, err = m.Reduce(ctx, pos.ID, 10, 100, "again")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestMaterializer_ProtectiveLevels(t *testing.T) {
	cfg := testGridConfig()
	cfg.StopLossPct = 2
	cfg.TakeProfitPct = 3
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(cfg, placer, 20)
	ctx := context.Background()

	long, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)
	assert.InDelta(t, 98, long.StopLoss, 1e-9)
	assert.InDelta(t, 103, long.TakeProfit, 1e-9)

	short, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideShort, Price: 100})
	require.NoError(t, err)
	assert.InDelta(t, 102, short.StopLoss, 1e-9)
	assert.InDelta(t, 97, short.TakeProfit, 1e-9)

	assert.Equal(t, []float64{98, 102}, placer.Stops)
	assert.Equal(t, []float64{103, 97}, placer.Takes)

	// Falling to 96.5 stops the long out and takes profit on the short
	placer.SetPrice(96.5)
	trades := m.RefreshPrice(ctx, 96.5)
	require.Len(t, trades, 2)
	byPos := map[string]*domain.TradeRecord{}
	for _, tr := range trades {
		byPos[tr.PositionID] = tr
	}
	assert.Equal(t, "stop_loss", byPos[long.ID].Reason)
	assert.Equal(t, 96.5, byPos[long.ID].ExitPrice)
	assert.Equal(t, "take_profit", byPos[short.ID].Reason)
	assert.Equal(t, 96.5, byPos[short.ID].ExitPrice)
	assert.Empty(t, m.Positions())

	// Each exit is a reduce-only order against its own leg
	require.Len(t, placer.Orders, 4)
	exits := map[domain.OrderSide]domain.OrderRequest{}
	for _, o := range placer.Orders[2:] {
		assert.True(t, o.ReduceOnly)
		exits[o.Side] = o
	}
	assert.InDelta(t, long.Size, exits[domain.OrderSell].Size, 1e-12)
	assert.InDelta(t, short.Size, exits[domain.OrderBuy].Size, 1e-12)
}

func TestMaterializer_LegProtectionIsWidest(t *testing.T) {
	cfg := testGridConfig()
	cfg.StopLossPct = 2
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(cfg, placer, 20)
	ctx := context.Background()

	_, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)
	placer.SetPrice(90)
	_, err = m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 90})
	require.NoError(t, err)
	placer.SetPrice(110)
	_, err = m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 110})
	require.NoError(t, err)

	// The venue leg stop stays at the lowest position stop, the take at
	// the highest position take
	require.Len(t, placer.Stops, 3)
	assert.InDelta(t, 98, placer.Stops[0], 1e-9)
	assert.InDelta(t, 88.2, placer.Stops[1], 1e-9)
	assert.InDelta(t, 88.2, placer.Stops[2], 1e-9)
	assert.InDelta(t, 101, placer.Takes[0], 1e-9)
	assert.InDelta(t, 101, placer.Takes[1], 1e-9)
	assert.InDelta(t, 111.1, placer.Takes[2], 1e-9)
}

func TestMaterializer_ProtectiveExitOnFlatLegSettlesAtTrigger(t *testing.T) {
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(testGridConfig(), placer, 20)
	ctx := context.Background()
	pos, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)

	placer.Flat = true
	trades := m.RefreshPrice(ctx, 101.7)
	require.Len(t, trades, 1)
	assert.Equal(t, pos.ID, trades[0].PositionID)
	assert.InDelta(t, 101, trades[0].ExitPrice, 1e-9)
	assert.True(t, trades[0].FullyClosed)
	assert.Empty(t, m.Positions())
	assert.Zero(t, m.CommittedMargin())
}

func TestMaterializer_FailedProtectiveExitRetries(t *testing.T) {
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(testGridConfig(), placer, 20)
	ctx := context.Background()
	pos, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideShort, Price: 100})
	require.NoError(t, err)

	placer.SetFail(true)
	assert.Empty(t, m.RefreshPrice(ctx, 98.5))
	got, ok := m.Position(pos.ID)
	require.True(t, ok, "position stays open until the venue confirms the exit")
	assert.InDelta(t, 1.5*pos.Size, got.UnrealizedPnL, 1e-9)

	placer.SetFail(false)
	placer.SetPrice(98.6)
	trades := m.RefreshPrice(ctx, 98.6)
	require.Len(t, trades, 1)
	assert.Equal(t, "take_profit", trades[0].Reason)
	assert.Equal(t, 98.6, trades[0].ExitPrice)
	assert.Empty(t, m.Positions())
}

func TestMaterializer_ProtectiveExitFlattensPaperLeg(t *testing.T) {
	feed := &MockFeed{Prices: map[string]float64{"BTCUSDT": 100}}
	paper := exchange.NewPaperBroker(feed, 0.02, zap.NewNop())
	costs := usecase.NewCostModel(usecase.DefaultCostConfig())
	m := usecase.NewPositionMaterializer(testGridConfig(), costs, usecase.NewTradeExecutor(paper, time.Second, zap.NewNop()), 20, zap.NewNop())
	ctx := context.Background()

	pos, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
	require.NoError(t, err)
	long, _ := paper.Legs("BTCUSDT")
	assert.InDelta(t, pos.Size, long, 1e-9)

	feed.Prices["BTCUSDT"] = 102
	trades := m.RefreshPrice(ctx, 102)
	require.Len(t, trades, 1)
	assert.Equal(t, "take_profit", trades[0].Reason)
	assert.Empty(t, m.Positions())
	long, _ = paper.Legs("BTCUSDT")
	assert.Zero(t, long, "the venue leg is closed with the local position")

	// The next position re-arms the leg and closes the same way
	_, err = m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 102})
	require.NoError(t, err)
	feed.Prices["BTCUSDT"] = 104
	require.Len(t, m.RefreshPrice(ctx, 104), 1)
	long, short := paper.Legs("BTCUSDT")
	assert.Zero(t, long)
	assert.Zero(t, short)
}

func TestMaterializer_RefreshPriceMarksToMarket(t *testing.T) {
	m := newTestMaterializer(testGridConfig(), &MockPlacer{Price: 100}, 20)
	pos, err := m.TryOpen(context.Background(), usecase.OpenRequest{Side: domain.SideShort, Price: 100})
	require.NoError(t, err)

	// Take profit sits one grid step away at 99
	assert.Empty(t, m.RefreshPrice(context.Background(), 99.5))
	got, _ := m.Position(pos.ID)
	assert.InDelta(t, 0.5*pos.Size, got.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 0.5*pos.Size, got.UnrealizedPnLPct, 1e-9)
	assert.InDelta(t, m.Balance()+0.5*pos.Size, m.Equity(), 1e-9)
}

func TestMaterializer_CloseAll(t *testing.T) {
	placer := &MockPlacer{Price: 100}
	m := newTestMaterializer(testGridConfig(), placer, 20)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.TryOpen(ctx, usecase.OpenRequest{Side: domain.SideLong, Price: 100})
		require.NoError(t, err)
	}

	trades, err := m.CloseAll(ctx, 100, "shutdown")
	require.NoError(t, err)
	assert.Len(t, trades, 3)
	assert.Equal(t, 1, placer.CloseAlls)
	assert.Empty(t, m.Positions())
	assert.Zero(t, m.CommittedMargin())

	// An empty book still flattens the venue
	trades, err = m.CloseAll(ctx, 100, "shutdown")
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, 2, placer.CloseAlls)
}

func TestOuterPositionsAndExposure(t *testing.T) {
	assert.Nil(t, usecase.OuterPositions(nil))

	a := &domain.RealPosition{ID: "a", Side: domain.SideLong, Size: 1, EntryPrice: 95}
	b := &domain.RealPosition{ID: "b", Side: domain.SideShort, Size: 2, EntryPrice: 105}
	c := &domain.RealPosition{ID: "c", Side: domain.SideShort, Size: 1, EntryPrice: 101}

	single := usecase.OuterPositions([]*domain.RealPosition{a})
	require.Len(t, single, 1)
	assert.Equal(t, "a", single[0].ID)

	outer := usecase.OuterPositions([]*domain.RealPosition{c, a, b})
	require.Len(t, outer, 2)
	assert.Equal(t, "a", outer[0].ID)
	assert.Equal(t, "b", outer[1].ID)
	assert.Equal(t, "b", usecase.TopPosition([]*domain.RealPosition{c, a, b}).ID)
	assert.Equal(t, "a", usecase.BottomPosition([]*domain.RealPosition{c, a, b}).ID)

	bias := usecase.ExposureBias([]*domain.RealPosition{a, b, c})
	assert.InDelta(t, 95, bias.LongUSD, 1e-9)
	assert.InDelta(t, 311, bias.ShortUSD, 1e-9)
	assert.InDelta(t, 216.0/406.0*100, bias.ImbalancePct, 1e-9)
	assert.Equal(t, domain.SideLong, bias.Underweight)

	assert.Zero(t, usecase.ExposureBias(nil).ImbalancePct)
}
