package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
)

type MockFeed struct {
	Prices map[string]float64
	Err    map[string]error
}

func (m *MockFeed) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err, ok := m.Err[symbol]; ok {
		return 0, err
	}
	p, ok := m.Prices[symbol]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return p, nil
}

type recordingSink struct {
	mu    sync.Mutex
	ticks map[string][]float64
}

func (s *recordingSink) SubmitTick(symbol string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticks == nil {
		s.ticks = make(map[string][]float64)
	}
	s.ticks[symbol] = append(s.ticks[symbol], price)
	return nil
}

func (s *recordingSink) count(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks[symbol])
}

func TestPricePoller_PollOnce(t *testing.T) {
	feed := &MockFeed{
		Prices: map[string]float64{"BTCUSDT": 64000, "ZERO": 0},
		Err:    map[string]error{"ETHUSDT": errors.New("timeout")},
	}
	sink := &recordingSink{}
	symbols := func() []string { return []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "ZERO"} }
	p := usecase.NewPricePoller(feed, sink, symbols, time.Second, time.Second, zap.NewNop())

	assert.Equal(t, 1, p.PollOnce(context.Background()))
	assert.Equal(t, []float64{64000}, sink.ticks["BTCUSDT"])
	assert.Empty(t, sink.ticks["ETHUSDT"])
	assert.Empty(t, sink.ticks["ZERO"])
}

func TestPricePoller_RunUntilCancelled(t *testing.T) {
	feed := &MockFeed{Prices: map[string]float64{"BTCUSDT": 64000}}
	sink := &recordingSink{}
	p := usecase.NewPricePoller(feed, sink, func() []string { return []string{"BTCUSDT"} }, 10*time.Millisecond, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sink.count("BTCUSDT") >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
