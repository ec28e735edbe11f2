package usecase_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
)

// MockPlacer fills every order at Price (or the configured per-side price).
type MockPlacer struct {
	mu sync.Mutex

	Price     float64
	Fail      bool
	Flat      bool // reduce-only orders find no venue position
	Delay     time.Duration
	Orders    []domain.OrderRequest
	Stops     []float64
	Takes     []float64
	CloseAlls int
	seq       int
}

func (m *MockPlacer) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return domain.OrderFill{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return domain.OrderFill{}, errors.New("venue unavailable")
	}
	if m.Flat && req.ReduceOnly {
		return domain.OrderFill{}, domain.ErrNothingToReduce
	}
	m.Orders = append(m.Orders, req)
	m.seq++
	return domain.OrderFill{OrderID: "ord-" + string(rune('a'+m.seq%26)), FilledPrice: m.Price, FilledSize: req.Size}, nil
}

func (m *MockPlacer) SetStopLoss(ctx context.Context, symbol string, side domain.Side, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stops = append(m.Stops, price)
	return nil
}

func (m *MockPlacer) SetTakeProfit(ctx context.Context, symbol string, side domain.Side, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Takes = append(m.Takes, price)
	return nil
}

func (m *MockPlacer) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return errors.New("venue unavailable")
	}
	m.CloseAlls++
	return nil
}

func (m *MockPlacer) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = fail
}

func (m *MockPlacer) SetPrice(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Price = p
}

func (m *MockPlacer) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Orders)
}

type MockSafety struct {
	Result domain.SafetyResult
	Err    error
	Calls  int
}

func (m *MockSafety) CheckSafety(ctx context.Context, portfolioValue float64) (domain.SafetyResult, error) {
	m.Calls++
	return m.Result, m.Err
}

type MockTradeRepo struct {
	mu         sync.Mutex
	Trades     []*domain.TradeRecord
	Executions []*domain.ExecutionRecord
}

func (m *MockTradeRepo) SaveTrade(ctx context.Context, trade *domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades = append(m.Trades, trade)
	return nil
}

func (m *MockTradeRepo) ListTrades(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.TradeRecord(nil), m.Trades...), nil
}

func (m *MockTradeRepo) SaveExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executions = append(m.Executions, rec)
	return nil
}

func (m *MockTradeRepo) ListExecutions(ctx context.Context, symbol string, limit int) ([]*domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.ExecutionRecord(nil), m.Executions...), nil
}

func (m *MockTradeRepo) TradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Trades)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testGridConfig() domain.GridConfig {
	return domain.GridConfig{
		Symbol:                "BTCUSDT",
		CenterPrice:           100,
		GridSpacingPct:        1,
		TotalInvestment:       1000,
		Leverage:              10,
		MaxPositions:          5,
		ReserveRatio:          0.5,
		MinProfitAfterFeesPct: 0.1,
		RebalanceThresholdPct: 5,
		WatchDepth:            10,
		LevelCooldown:         5 * time.Minute,
	}
}
